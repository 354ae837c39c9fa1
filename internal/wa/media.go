package wa

import (
	"context"
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"
)

// MediaPayload is a decoded media blob moving through the relay.
type MediaPayload struct {
	Mimetype string
	Data     []byte
	Filename string
}

// SendMedia uploads the payload and sends it to the given JID with the text
// as caption. The media class is derived from the mimetype. Returns the
// server message ID and timestamp in unix millis.
func (a *Adapter) SendMedia(ctx context.Context, jid string, payload MediaPayload, caption string) (string, int64, error) {
	to, err := types.ParseJID(jid)
	if err != nil {
		return "", 0, fmt.Errorf("parse JID: %w", err)
	}

	mediaType := classifyMedia(payload.Mimetype)
	uploaded, err := a.client.Upload(ctx, payload.Data, mediaType)
	if err != nil {
		return "", 0, fmt.Errorf("upload media: %w", err)
	}

	var msg *waE2E.Message
	switch mediaType {
	case whatsmeow.MediaImage:
		msg = &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			Mimetype:      proto.String(payload.Mimetype),
			Caption:       proto.String(caption),
			FileLength:    proto.Uint64(uploaded.FileLength),
			FileSHA256:    uploaded.FileSHA256,
			FileEncSHA256: uploaded.FileEncSHA256,
			MediaKey:      uploaded.MediaKey,
		}}
	case whatsmeow.MediaVideo:
		msg = &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			Mimetype:      proto.String(payload.Mimetype),
			Caption:       proto.String(caption),
			FileLength:    proto.Uint64(uploaded.FileLength),
			FileSHA256:    uploaded.FileSHA256,
			FileEncSHA256: uploaded.FileEncSHA256,
			MediaKey:      uploaded.MediaKey,
		}}
	case whatsmeow.MediaAudio:
		msg = &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			Mimetype:      proto.String(payload.Mimetype),
			FileLength:    proto.Uint64(uploaded.FileLength),
			FileSHA256:    uploaded.FileSHA256,
			FileEncSHA256: uploaded.FileEncSHA256,
			MediaKey:      uploaded.MediaKey,
		}}
	default:
		msg = &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			Mimetype:      proto.String(payload.Mimetype),
			Caption:       proto.String(caption),
			FileName:      proto.String(payload.Filename),
			FileLength:    proto.Uint64(uploaded.FileLength),
			FileSHA256:    uploaded.FileSHA256,
			FileEncSHA256: uploaded.FileEncSHA256,
			MediaKey:      uploaded.MediaKey,
		}}
	}

	resp, err := a.client.SendMessage(ctx, to, msg)
	if err != nil {
		return "", 0, fmt.Errorf("send media message: %w", err)
	}
	return resp.ID, resp.Timestamp.UnixMilli(), nil
}

// DownloadMedia downloads the media attached to a raw message.
func (a *Adapter) DownloadMedia(ctx context.Context, msg *waE2E.Message) (*MediaPayload, error) {
	if msg == nil {
		return nil, fmt.Errorf("nil message")
	}

	var (
		data     []byte
		err      error
		mimetype string
		filename string
	)

	switch {
	case msg.GetImageMessage() != nil:
		data, err = a.client.Download(ctx, msg.GetImageMessage())
		mimetype = msg.GetImageMessage().GetMimetype()
	case msg.GetVideoMessage() != nil:
		data, err = a.client.Download(ctx, msg.GetVideoMessage())
		mimetype = msg.GetVideoMessage().GetMimetype()
	case msg.GetAudioMessage() != nil:
		data, err = a.client.Download(ctx, msg.GetAudioMessage())
		mimetype = msg.GetAudioMessage().GetMimetype()
	case msg.GetDocumentMessage() != nil:
		data, err = a.client.Download(ctx, msg.GetDocumentMessage())
		mimetype = msg.GetDocumentMessage().GetMimetype()
		filename = msg.GetDocumentMessage().GetFileName()
	case msg.GetStickerMessage() != nil:
		data, err = a.client.Download(ctx, msg.GetStickerMessage())
		mimetype = msg.GetStickerMessage().GetMimetype()
	default:
		return nil, fmt.Errorf("message has no downloadable media")
	}
	if err != nil {
		return nil, fmt.Errorf("download media: %w", err)
	}

	return &MediaPayload{Mimetype: mimetype, Data: data, Filename: filename}, nil
}

func classifyMedia(mimetype string) whatsmeow.MediaType {
	switch {
	case strings.HasPrefix(mimetype, "image/"):
		return whatsmeow.MediaImage
	case strings.HasPrefix(mimetype, "video/"):
		return whatsmeow.MediaVideo
	case strings.HasPrefix(mimetype, "audio/"):
		return whatsmeow.MediaAudio
	default:
		return whatsmeow.MediaDocument
	}
}
