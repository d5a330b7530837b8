package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"convo/internal/config"
	"convo/internal/profile"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c := newClient()

	switch args[0] {
	case "status":
		cmdStatus(c, *jsonFlag)
	case "list":
		cmdList(c, *jsonFlag)
	case "messages":
		requireArgs(args, 2, "usage: convoctl messages <sid>")
		cmdMessages(c, args[1], *jsonFlag)
	case "send":
		requireArgs(args, 3, "usage: convoctl send <sid> <body>")
		cmdSend(c, args[1], strings.Join(args[2:], " "))
	case "join":
		cmdAction(c, args, "join")
	case "leave":
		cmdAction(c, args, "leave")
	case "mute":
		cmdAction(c, args, "mute")
	case "unmute":
		cmdAction(c, args, "unmute")
	case "invite":
		requireArgs(args, 2, "usage: convoctl invite <sid>")
		cmdInvite(c, args[1])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: convoctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status               Show daemon status")
	fmt.Fprintln(os.Stderr, "  list                 List conversations")
	fmt.Fprintln(os.Stderr, "  messages <sid>       Show a conversation's messages")
	fmt.Fprintln(os.Stderr, "  send <sid> <body>    Send a message")
	fmt.Fprintln(os.Stderr, "  join <sid>           Join a conversation")
	fmt.Fprintln(os.Stderr, "  leave <sid>          Leave a conversation")
	fmt.Fprintln(os.Stderr, "  mute <sid>           Mute a conversation")
	fmt.Fprintln(os.Stderr, "  unmute <sid>         Unmute a conversation")
	fmt.Fprintln(os.Stderr, "  invite <sid>         Render a join QR for a conversation")
}

// client is a thin HTTP wrapper over the daemon's local API.
type client struct {
	base string
	http *http.Client
}

func newClient() *client {
	cfg, err := config.Load(profile.ConfigPath())
	if err != nil {
		cfg = config.Default()
	}
	cfg.ApplyEnv()
	return &client{
		base: "http://" + cfg.Listen,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *client) get(path string, out any) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return fmt.Errorf("cannot reach daemon at %s: %w", c.base, err)
	}
	defer func() { _ = resp.Body.Close() }()
	return decodeResponse(resp, out)
}

func (c *client) post(path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(data)
	}
	resp, err := c.http.Post(c.base+path, "application/json", payload)
	if err != nil {
		return fmt.Errorf("cannot reach daemon at %s: %w", c.base, err)
	}
	defer func() { _ = resp.Body.Close() }()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error  string `json:"error"`
			Reason string `json:"reason"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			if apiErr.Reason != "" {
				return fmt.Errorf("%s: %s", apiErr.Reason, apiErr.Error)
			}
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func requireArgs(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
}

func cmdStatus(c *client, jsonOut bool) {
	var resp struct {
		State    string `json:"state"`
		Identity string `json:"identity"`
	}
	if err := c.get("/v1/status", &resp); err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Printf("Identity: %s\n", resp.Identity)
	fmt.Printf("Status:   %s\n", resp.State)
}

type conversationDTO struct {
	Sid                 string `json:"sid"`
	FriendlyName        string `json:"friendly_name"`
	UniqueName          string `json:"unique_name"`
	LastMessageBody     string `json:"last_message_body"`
	LastMessageAt       string `json:"last_message_at"`
	UnreadCount         int64  `json:"unread_count"`
	NotificationLevel   string `json:"notification_level"`
	ParticipatingStatus string `json:"participating_status"`
}

func cmdList(c *client, jsonOut bool) {
	var resp struct {
		Conversations []conversationDTO `json:"conversations"`
	}
	if err := c.get("/v1/conversations", &resp); err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	if len(resp.Conversations) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, conv := range resp.Conversations {
		marker := " "
		if conv.NotificationLevel == "muted" {
			marker = "M"
		}
		fmt.Printf("%s %-36s %-24s [%d] %s\n", marker, conv.Sid, conv.FriendlyName, conv.UnreadCount, conv.LastMessageBody)
	}
}

func cmdMessages(c *client, sid string, jsonOut bool) {
	var resp struct {
		Messages []struct {
			Author     string `json:"author"`
			Body       string `json:"body"`
			CreatedAt  string `json:"created_at"`
			SendStatus string `json:"send_status"`
		} `json:"messages"`
	}
	if err := c.get("/v1/conversations/"+sid+"/messages", &resp); err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	for _, m := range resp.Messages {
		suffix := ""
		if m.SendStatus == "sending" || m.SendStatus == "error" {
			suffix = " (" + m.SendStatus + ")"
		}
		fmt.Printf("%s  %-16s %s%s\n", m.CreatedAt, m.Author, m.Body, suffix)
	}
}

func cmdSend(c *client, sid, body string) {
	var resp struct {
		UUID string `json:"uuid"`
	}
	if err := c.post("/v1/conversations/"+sid+"/messages", map[string]string{"body": body}, &resp); err != nil {
		fatal(err)
	}
	fmt.Printf("Sent. uuid=%s\n", resp.UUID)
}

func cmdAction(c *client, args []string, action string) {
	requireArgs(args, 2, "usage: convoctl "+action+" <sid>")
	if err := c.post("/v1/conversations/"+args[1]+"/"+action, nil, nil); err != nil {
		fatal(err)
	}
	fmt.Println("OK.")
}

func cmdInvite(c *client, sid string) {
	var conv conversationDTO
	if err := c.get("/v1/conversations/"+sid, &conv); err != nil {
		fatal(err)
	}
	name := conv.UniqueName
	if name == "" {
		name = conv.Sid
	}
	fmt.Printf("Share to join %q:\n\n%s\n", conv.FriendlyName, renderQR("convo:join:"+name))
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}

// renderQR converts a string to a compact ASCII QR code using Unicode
// half-block characters.
func renderQR(content string) string {
	qr, err := qrcode.New(content, qrcode.Low)
	if err != nil {
		return "  (QR generation failed: " + err.Error() + ")"
	}

	bitmap := qr.Bitmap()
	rows := len(bitmap)
	cols := 0
	if rows > 0 {
		cols = len(bitmap[0])
	}

	var sb strings.Builder
	for y := 0; y < rows; y += 2 {
		sb.WriteString("  ")
		for x := 0; x < cols; x++ {
			top := bitmap[y][x]
			bot := false
			if y+1 < rows {
				bot = bitmap[y+1][x]
			}
			switch {
			case top && bot:
				sb.WriteRune('\u2588')
			case top && !bot:
				sb.WriteRune('\u2580')
			case !top && bot:
				sb.WriteRune('\u2584')
			default:
				sb.WriteRune(' ')
			}
		}
		sb.WriteRune('\n')
	}
	return sb.String()
}
