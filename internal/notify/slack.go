package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// SlackNotifier posts notifications to a Slack incoming webhook.
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color  string `json:"color"`
	Title  string `json:"title"`
	Text   string `json:"text"`
	Footer string `json:"footer,omitempty"`
}

func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func slackColor(k Kind) string {
	switch k {
	case KindSuccess:
		return "good"
	case KindWarning:
		return "warning"
	case KindError:
		return "danger"
	default:
		return "#439FE0"
	}
}

func (s *SlackNotifier) Send(n Notification) error {
	msg := slackMessage{
		Text: n.Title,
		Attachments: []slackAttachment{{
			Color:  slackColor(n.Kind),
			Title:  n.Title,
			Text:   n.Message,
			Footer: footerFor(n),
		}},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	res, err := s.client.Post(s.webhookURL, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("slack webhook status %d", res.StatusCode)
	}
	return nil
}

func footerFor(n Notification) string {
	if n.RunID == "" {
		return ""
	}
	return "run " + n.RunID
}
