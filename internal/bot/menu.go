package bot

import (
	"fmt"

	"github.com/valerybot/valery/internal/config"
	"github.com/valerybot/valery/internal/relay"
)

// Callback payload prefixes for the chat-mode menu.
const (
	callbackSetMode  = "set_chat_mode"
	callbackShowPage = "show_chat_modes"
)

// chatModeMenu builds the paginated chat-mode selection message. Each mode
// renders as a button carrying a "set_chat_mode|<key>" payload; pagination
// arrows carry "show_chat_modes|<page>".
func chatModeMenu(cfg *config.Config, page int) relay.Outbound {
	perPage := cfg.Menu.ModesPerPage
	total := len(cfg.ChatModes)
	lastPage := (total - 1) / perPage
	if page < 0 {
		page = 0
	}
	if page > lastPage {
		page = lastPage
	}

	start := page * perPage
	end := start + perPage
	if end > total {
		end = total
	}

	out := relay.Outbound{
		Text: fmt.Sprintf("Select a chat mode (%d modes available):", total),
	}
	for _, m := range cfg.ChatModes[start:end] {
		out.Buttons = append(out.Buttons, relay.Button{
			Label: m.Name,
			Data:  fmt.Sprintf("%s|%s", callbackSetMode, m.Key),
		})
	}

	if total > perPage {
		if page > 0 {
			out.Buttons = append(out.Buttons, relay.Button{
				Label: "«",
				Data:  fmt.Sprintf("%s|%d", callbackShowPage, page-1),
			})
		}
		if page < lastPage {
			out.Buttons = append(out.Buttons, relay.Button{
				Label: "»",
				Data:  fmt.Sprintf("%s|%d", callbackShowPage, page+1),
			})
		}
	}
	return out
}
