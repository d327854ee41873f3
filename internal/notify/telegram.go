package notify

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

const defaultTelegramAPI = "https://api.telegram.org"

// Telegram posts events to a chat through the Bot API. Sends run
// synchronously with a short timeout; failures are logged and dropped.
type Telegram struct {
	token   string
	chatID  string
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// NewTelegram builds a Telegram notifier for the given bot token and chat.
func NewTelegram(token, chatID string, log zerolog.Logger) *Telegram {
	return &Telegram{
		token:   token,
		chatID:  chatID,
		baseURL: defaultTelegramAPI,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log,
	}
}

// Notify formats and posts the event. Errors are swallowed after logging.
func (t *Telegram) Notify(ev Event) {
	var prefix string
	switch ev.Kind {
	case Entry:
		prefix = "📈 ENTRY"
	case Exit:
		prefix = "📉 EXIT"
	case StopAdjust:
		prefix = "🔒 STOP"
	case SweepUpdate:
		prefix = "🔄 SCREEN"
	case Error:
		prefix = "⚠️ ERROR"
	default:
		prefix = "🤖 ENGINE"
	}
	text := prefix
	if ev.Symbol != "" {
		text += " " + ev.Symbol
	}
	text += "\n" + ev.Message

	if err := t.send(text); err != nil {
		t.log.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("telegram delivery failed")
	}
}

func (t *Telegram) send(text string) error {
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	data := url.Values{}
	data.Set("chat_id", t.chatID)
	data.Set("text", text)
	data.Set("disable_web_page_preview", "true")

	resp, err := t.client.PostForm(endpoint, data)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram api status %d", resp.StatusCode)
	}
	return nil
}
