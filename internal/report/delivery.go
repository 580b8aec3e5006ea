package report

import (
	"context"
	"fmt"

	"medscribe/internal/consultation"
	"medscribe/internal/logging"
)

// DocumentSender uploads a file to a chat. *telegram.Client satisfies it.
type DocumentSender interface {
	SendDocument(ctx context.Context, chatID int64, data []byte, filename, caption string) error
}

// TelegramDeliverer posts approved notes to the configured doctor chat.
type TelegramDeliverer struct {
	sender DocumentSender
	chatID int64
}

func NewTelegramDeliverer(sender DocumentSender, chatID int64) *TelegramDeliverer {
	return &TelegramDeliverer{sender: sender, chatID: chatID}
}

func (d *TelegramDeliverer) Deliver(ctx context.Context, c *consultation.Consultation, doc []byte) error {
	filename := fmt.Sprintf("consultation-%s.pdf", c.ID)
	caption := fmt.Sprintf("Approved %s consultation note %s", languageName(c.Language), c.ID.String()[:8])
	if err := d.sender.SendDocument(ctx, d.chatID, doc, filename, caption); err != nil {
		return fmt.Errorf("deliver %s: %w", filename, err)
	}
	logging.NewLogger(ctx).WithField("consultation_id", c.ID).Infof("note delivered to chat %d", d.chatID)
	return nil
}
