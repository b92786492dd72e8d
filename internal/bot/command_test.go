package bot

import "testing"

func TestParseReplyCommandOrdinaryText(t *testing.T) {
	for _, text := range []string{
		"",
		"Hello there!",
		"The command is !cmd but not at the start",
		"/start",
	} {
		cmd, err := parseReplyCommand(text)
		if err != nil {
			t.Errorf("parseReplyCommand(%q): %v", text, err)
		}
		if cmd != nil {
			t.Errorf("parseReplyCommand(%q) = %+v, want nil", text, cmd)
		}
	}
}

func TestParseReplyCommandTimer(t *testing.T) {
	cmd, err := parseReplyCommand(`!cmd {"timer": {"fire_in": 90, "text": "check the oven"}}`)
	if err != nil {
		t.Fatalf("parseReplyCommand: %v", err)
	}
	if cmd == nil || cmd.Timer == nil {
		t.Fatal("expected a timer command")
	}
	if cmd.Timer.FireInSecs != 90 {
		t.Errorf("fire_in = %v", cmd.Timer.FireInSecs)
	}
	if cmd.Timer.Text != "check the oven" {
		t.Errorf("text = %q", cmd.Timer.Text)
	}
}

func TestParseReplyCommandWhitespace(t *testing.T) {
	cmd, err := parseReplyCommand("  !cmd  {\"timer\": {\"fire_in\": 1.5, \"text\": \"t\"}} \n")
	if err != nil {
		t.Fatalf("parseReplyCommand: %v", err)
	}
	if cmd == nil || cmd.Timer == nil || cmd.Timer.FireInSecs != 1.5 {
		t.Fatalf("got %+v", cmd)
	}
}

func TestParseReplyCommandErrors(t *testing.T) {
	cases := []struct {
		name string
		text string
	}{
		{"invalid json", `!cmd {broken`},
		{"no recognized key", `!cmd {"alarm": {}}`},
		{"zero fire_in", `!cmd {"timer": {"fire_in": 0, "text": "t"}}`},
		{"negative fire_in", `!cmd {"timer": {"fire_in": -5, "text": "t"}}`},
		{"empty payload", `!cmd`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmd, err := parseReplyCommand(tc.text)
			if err == nil {
				t.Errorf("expected error, got %+v", cmd)
			}
		})
	}
}
