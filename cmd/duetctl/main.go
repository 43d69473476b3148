package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/matheus3301/duet/internal/api"
	"github.com/matheus3301/duet/internal/config"
	"github.com/matheus3301/duet/internal/lock"
	"github.com/matheus3301/duet/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	// Commands that do not need a running daemon.
	switch args[0] {
	case "init":
		cmdInit(args[1:])
		return
	case "sessions":
		cmdSessions(*jsonFlag)
		return
	}

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fatal(err)
	}

	c, err := api.Dial(session.SocketPath(sessionName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for session %q: %v\n", sessionName, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		cmdWatch(c, args[1:], *jsonFlag)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, *jsonFlag)
	case "open":
		if len(args) < 2 {
			usageError("duetctl open <peer-id>")
		}
		msgs, err := c.OpenConversation(ctx, args[1])
		check(err)
		printMessages(msgs, *jsonFlag)
	case "messages":
		msgs, err := c.Messages(ctx)
		check(err)
		printMessages(msgs, *jsonFlag)
	case "send":
		if len(args) < 2 {
			usageError("duetctl send <text>")
		}
		tempID, err := c.Send(ctx, strings.Join(args[1:], " "))
		check(err)
		if *jsonFlag {
			outputJSON(map[string]string{"temp_id": tempID})
			return
		}
		fmt.Printf("Sent (%s)\n", tempID)
	case "friends":
		friends, err := c.Friends(ctx)
		check(err)
		if *jsonFlag {
			outputJSON(friends)
			return
		}
		if len(friends) == 0 {
			fmt.Println("No friends yet.")
			return
		}
		for _, f := range friends {
			fmt.Printf("%-24s %s\n", f.DisplayName, f.UserID)
		}
	case "add":
		if len(args) < 2 {
			usageError("duetctl add <username>")
		}
		f, err := c.AddFriend(ctx, args[1])
		check(err)
		if *jsonFlag {
			outputJSON(f)
			return
		}
		fmt.Printf("Added %s (%s)\n", f.DisplayName, f.UserID)
	case "profile":
		cmdProfile(ctx, c, args[1:], *jsonFlag)
	case "call":
		cmdCall(ctx, c, args[1:])
	case "accept":
		check(c.AcceptCall(ctx))
		fmt.Println("Accepted.")
	case "decline":
		check(c.DeclineCall(ctx))
		fmt.Println("Declined.")
	case "hangup":
		check(c.EndCall(ctx))
		fmt.Println("Call ended.")
	case "calls":
		limit := 20
		if len(args) >= 2 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				usageError("duetctl calls [limit]")
			}
			limit = n
		}
		calls, err := c.CallHistory(ctx, limit)
		check(err)
		if *jsonFlag {
			outputJSON(calls)
			return
		}
		for _, r := range calls {
			started := time.UnixMilli(r.StartedAtUnixMs).Format(time.DateTime)
			fmt.Printf("%s  %-8s %-5s %-9s %s (%s)\n", started, r.Direction, r.Kind, r.Outcome, r.PeerID,
				time.Duration(r.DurationMs)*time.Millisecond)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: duetctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  init [flags]          Write ~/.duet/config.toml")
	fmt.Fprintln(os.Stderr, "  sessions              List sessions and whether their daemon runs")
	fmt.Fprintln(os.Stderr, "  status                Show connection, unread, presence and call state")
	fmt.Fprintln(os.Stderr, "  open <peer-id>        Open a conversation and print it")
	fmt.Fprintln(os.Stderr, "  messages              Print the open conversation")
	fmt.Fprintln(os.Stderr, "  send <text>           Send to the open conversation")
	fmt.Fprintln(os.Stderr, "  friends               List friends")
	fmt.Fprintln(os.Stderr, "  add <username>        Add a friend")
	fmt.Fprintln(os.Stderr, "  profile [flags]       Change username, full name or avatar")
	fmt.Fprintln(os.Stderr, "  call [peer] [-audio]  Call a peer (default: open conversation)")
	fmt.Fprintln(os.Stderr, "  accept | decline      Answer or reject the incoming call")
	fmt.Fprintln(os.Stderr, "  hangup                End the current call")
	fmt.Fprintln(os.Stderr, "  calls [limit]         Show call history")
	fmt.Fprintln(os.Stderr, "  watch [namespace]     Stream daemon events")
}

func cmdInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	userID := fs.String("user", "", "user id (UUID)")
	email := fs.String("email", "", "account email, used to derive the username")
	dsn := fs.String("dsn", "", "backend DSN (postgres URL or sqlite://path)")
	streamURL := fs.String("stream-url", "", "realtime websocket URL")
	redisAddr := fs.String("redis", "", "use Redis pub/sub at this address instead of the websocket")
	signalingURL := fs.String("signaling-url", "", "call signaling websocket URL")
	defaultSession := fs.String("default-session", "", "default session name")
	_ = fs.Parse(args)

	path := session.ConfigPath()
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg, err = config.Default(), nil
	}
	check(err)

	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.UserID, *userID)
	set(&cfg.Email, *email)
	set(&cfg.Backend.DSN, *dsn)
	set(&cfg.Stream.URL, *streamURL)
	set(&cfg.Signaling.URL, *signalingURL)
	set(&cfg.DefaultSession, *defaultSession)
	switch {
	case *redisAddr != "":
		cfg.Stream.Transport = config.TransportRedis
		cfg.Stream.RedisAddr = *redisAddr
	case *streamURL != "":
		cfg.Stream.Transport = config.TransportWebSocket
	case cfg.Backend.Local() && cfg.Stream.URL == "":
		cfg.Stream.Transport = config.TransportLocal
	}
	if err := session.ValidateUserID(cfg.UserID); err != nil {
		fatal(err)
	}
	if cfg.DefaultSession != "" {
		check(session.ValidateName(cfg.DefaultSession))
	}

	check(config.Save(path, cfg))
	fmt.Printf("Wrote %s\n", path)
}

type sessionInfo struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
	UserID  string `json:"user_id,omitempty"`
	Since   string `json:"since,omitempty"`
}

func cmdSessions(jsonOut bool) {
	names, err := session.List()
	if err != nil {
		fatal(err)
	}
	var infos []sessionInfo
	for _, name := range names {
		info := sessionInfo{Name: name}
		h, held, err := lock.Held(session.LockPath(name))
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: %s: %v\n", name, err)
		}
		if held {
			info.Running = true
			info.PID = h.PID
			info.UserID = h.UserID
			if !h.Since.IsZero() {
				info.Since = h.Since.Format(time.RFC3339)
			}
		}
		infos = append(infos, info)
	}
	if jsonOut {
		outputJSON(infos)
		return
	}
	if len(infos) == 0 {
		fmt.Println("No sessions found.")
		return
	}
	for _, s := range infos {
		state := "stopped"
		if s.Running {
			state = fmt.Sprintf("running (pid %d since %s)", s.PID, s.Since)
		}
		fmt.Printf("%-20s %s\n", s.Name, state)
	}
}

func cmdStatus(ctx context.Context, c *api.Client, jsonOut bool) {
	st, err := c.Status(ctx)
	check(err)
	if jsonOut {
		outputJSON(st)
		return
	}
	fmt.Printf("User:    %s\n", st.UserID)
	fmt.Printf("Stream:  %s\n", st.Status)
	if st.ActivePeer != "" {
		fmt.Printf("Open:    %s\n", st.ActivePeer)
	}
	fmt.Printf("Online:  %s\n", strings.Join(st.Online, ", "))

	peers := make([]string, 0, len(st.Unread))
	for p := range st.Unread {
		peers = append(peers, p)
	}
	sort.Strings(peers)
	for _, p := range peers {
		fmt.Printf("Unread:  %s (%d)\n", p, st.Unread[p])
	}

	fmt.Printf("Call:    %s", st.Call.Phase)
	if st.Call.PeerID != "" {
		fmt.Printf(" %s %s with %s", st.Call.Direction, st.Call.Kind, st.Call.PeerID)
	}
	fmt.Println()
	if in := st.Call.Incoming; in != nil {
		fmt.Printf("Ringing: %s call from %s (duetctl accept|decline)\n", in.Kind, in.PeerID)
	}
}

func cmdProfile(ctx context.Context, c *api.Client, args []string, jsonOut bool) {
	fs := flag.NewFlagSet("profile", flag.ExitOnError)
	username := fs.String("username", "", "new username")
	fullName := fs.String("name", "", "full name")
	avatar := fs.String("avatar", "", "avatar URL")
	_ = fs.Parse(args)

	req := api.ProfileRequest{Username: *username, FullName: *fullName, AvatarURL: *avatar}
	if req == (api.ProfileRequest{}) {
		usageError("duetctl profile [-username u] [-name n] [-avatar url]")
	}
	p, err := c.UpdateProfile(ctx, req)
	check(err)
	if jsonOut {
		outputJSON(p)
		return
	}
	fmt.Printf("Profile updated: %s\n", p.Username)
}

func cmdCall(ctx context.Context, c *api.Client, args []string) {
	fs := flag.NewFlagSet("call", flag.ExitOnError)
	audio := fs.Bool("audio", false, "audio-only call")
	_ = fs.Parse(args)

	kind := "video"
	if *audio {
		kind = "audio"
	}
	check(c.StartCall(ctx, fs.Arg(0), kind))
	fmt.Println("Calling...")
}

func cmdWatch(c *api.Client, args []string, jsonOut bool) {
	namespace := ""
	if len(args) > 0 {
		namespace = args[0]
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := c.Watch(ctx, namespace, func(evt api.EventView) error {
		if jsonOut {
			outputJSON(evt)
			return nil
		}
		payload, _ := json.Marshal(evt.Payload)
		fmt.Printf("%s  %-28s %s\n", time.UnixMilli(evt.OccurredAtUnixMs).Format(time.TimeOnly), evt.Kind, payload)
		return nil
	})
	if err != nil && ctx.Err() == nil && !errors.Is(err, io.EOF) {
		fatal(err)
	}
}

func printMessages(msgs []api.MessageView, jsonOut bool) {
	if jsonOut {
		outputJSON(msgs)
		return
	}
	for _, m := range msgs {
		marker := " "
		if m.Pending {
			marker = "…"
		}
		fmt.Printf("%s %s  %-12s %s\n", marker, time.UnixMilli(m.CreatedAtUnixMs).Format(time.DateTime), short(m.SenderID), m.Text)
	}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func check(err error) {
	if err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func usageError(usage string) {
	fmt.Fprintf(os.Stderr, "usage: %s\n", usage)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
