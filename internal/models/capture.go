package models

import "time"

// TabContext identifies the browser tab a capture session is bound to.
type TabContext struct {
	ID    int    `json:"tabId"`
	Title string `json:"tabTitle,omitempty"`
	URL   string `json:"tabUrl,omitempty"`
}

// AudioSegment is one contiguous, time-bounded slice of captured audio.
type AudioSegment struct {
	Payload     []byte
	ContentType string
	Sequence    int
	CapturedAt  time.Time
	Tab         *TabContext
}

// SessionConfig carries the per-session language options applied to every segment.
type SessionConfig struct {
	Language    string  `json:"language,omitempty"`
	TranslateTo *string `json:"translateTo,omitempty"`
}

// StringPtr returns nil for empty strings.
func StringPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func IntPtr(v int) *int {
	return &v
}
