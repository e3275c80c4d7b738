package capability

import (
	"context"
)

// FallbackTranscriber tries the primary transcription provider and falls
// back to the secondary on transient failure. Permanent rejections are the
// input's fault and are not worth a second provider.
type FallbackTranscriber struct {
	Primary   Transcriber
	Secondary Transcriber
}

func (f *FallbackTranscriber) Transcribe(ctx context.Context, req TranscribeRequest) (TranscribeResult, error) {
	out, err := f.Primary.Transcribe(ctx, req)
	if err == nil || IsPermanent(err) || f.Secondary == nil {
		return out, err
	}
	return f.Secondary.Transcribe(ctx, req)
}

// FallbackNotifier mirrors FallbackTranscriber for the notification channel.
type FallbackNotifier struct {
	Primary   Notifier
	Secondary Notifier
}

func (f *FallbackNotifier) Notify(ctx context.Context, n Notification) (Receipt, error) {
	out, err := f.Primary.Notify(ctx, n)
	if err == nil || IsPermanent(err) || f.Secondary == nil {
		return out, err
	}
	return f.Secondary.Notify(ctx, n)
}
