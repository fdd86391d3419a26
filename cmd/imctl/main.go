package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/imcore/internal/api"
	"github.com/matheus3301/imcore/internal/lock"
	"github.com/matheus3301/imcore/internal/model"
	"github.com/matheus3301/imcore/internal/session"
	"github.com/matheus3301/imcore/internal/store"
)

type cli struct {
	session string
	socket  string
	json    bool
	client  *api.Client
}

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Usage = printUsage
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fatalf("%v", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c := &cli{session: sessionName, socket: session.For(sessionName).Socket, json: *jsonFlag}

	switch args[0] {
	case "start":
		c.start()
		return
	case "sessions":
		c.sessions()
		return
	}
	if !probeDaemon(c.socket) {
		c.reportDown()
		os.Exit(1)
	}

	client, err := api.Dial(c.socket)
	if err != nil {
		fatalf("cannot connect to daemon for session %q: %v", sessionName, err)
	}
	defer func() { _ = client.Close() }()
	c.client = client

	if args[0] == "watch" {
		c.watch(args[1:])
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		c.status(ctx)
	case "conversations", "ls":
		c.conversations(ctx, args[1:])
	case "messages":
		c.messages(ctx, args[1:])
	case "open":
		need(args, 2, "open <conversation>")
		c.messageList(ctx, api.MethodOpen, api.ConversationRequest{ConversationID: args[1]})
	case "more":
		need(args, 2, "more <conversation>")
		c.messageList(ctx, api.MethodLoadMore, api.ConversationRequest{ConversationID: args[1]})
	case "close":
		c.call(ctx, api.MethodClose, nil, nil)
	case "send":
		c.send(ctx, args[1:])
	case "retry":
		need(args, 3, "retry <conversation> <message>")
		var res api.SendResult
		c.call(ctx, api.MethodRetry, api.RetryRequest{ConversationID: args[1], MessageID: args[2]}, &res)
		c.sendResult(res)
	case "read":
		need(args, 2, "read <conversation>")
		c.call(ctx, api.MethodMarkRead, api.ConversationRequest{ConversationID: args[1]}, nil)
	case "reconnect":
		c.call(ctx, api.MethodReconnect, nil, nil)
	case "visibility":
		need(args, 2, "visibility <on|off>")
		visible, err := parseSwitch(args[1])
		if err != nil {
			fatalf("%v", err)
		}
		c.call(ctx, api.MethodSetVisibility, api.VisibilityRequest{Visible: visible}, nil)
	case "draft":
		need(args, 2, "draft <conversation> [text]")
		c.call(ctx, api.MethodSetDraft, api.DraftRequest{ConversationID: args[1], Text: strings.Join(args[2:], " ")}, nil)
	case "search":
		c.search(ctx, args[1:])
	case "users":
		need(args, 2, "users <query>")
		var out api.UserList
		c.call(ctx, api.MethodSearchUsers, api.UserSearchRequest{Query: strings.Join(args[1:], " ")}, &out)
		c.users(out)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: imctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  start                          Start the daemon for the session")
	fmt.Fprintln(os.Stderr, "  sessions                       List known sessions")
	fmt.Fprintln(os.Stderr, "  status                         Show connection and unread state")
	fmt.Fprintln(os.Stderr, "  conversations [flags]          List conversations (-kind, -q, -unread, -archived)")
	fmt.Fprintln(os.Stderr, "  messages [-archive] [-n N] <c> List buffered or archived messages")
	fmt.Fprintln(os.Stderr, "  open <c>                       Open a conversation and load its history")
	fmt.Fprintln(os.Stderr, "  more <c>                       Load older history")
	fmt.Fprintln(os.Stderr, "  close                          Close the open conversation")
	fmt.Fprintln(os.Stderr, "  send [-reply id] [-file path] <c> <text>")
	fmt.Fprintln(os.Stderr, "                                 Send a message")
	fmt.Fprintln(os.Stderr, "  retry <c> <message>            Resend a failed message")
	fmt.Fprintln(os.Stderr, "  read <c>                       Mark a conversation read")
	fmt.Fprintln(os.Stderr, "  reconnect                      Force a stream reconnect")
	fmt.Fprintln(os.Stderr, "  visibility <on|off>            Report host visibility")
	fmt.Fprintln(os.Stderr, "  draft <c> [text]               Save or clear a draft")
	fmt.Fprintln(os.Stderr, "  search [-c conv] <query>       Full-text search the local archive")
	fmt.Fprintln(os.Stderr, "  users <query>                  Search the user directory")
	fmt.Fprintln(os.Stderr, "  watch [namespace...]           Stream events until interrupted")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fatalf("usage: imctl %s", usage)
	}
}

func (c *cli) call(ctx context.Context, method string, req, resp any) {
	if err := c.client.Call(ctx, method, req, resp); err != nil {
		fatalf("%v", err)
	}
	if resp == nil && !c.json {
		fmt.Println("ok")
	}
}

func (c *cli) status(ctx context.Context) {
	v, err := c.client.Status(ctx)
	if err != nil {
		fatalf("%v", err)
	}
	if c.json {
		outputJSON(v)
		return
	}
	fmt.Printf("Session:       %s\n", v.Session)
	fmt.Printf("User:          %s\n", v.LocalUserID)
	fmt.Printf("Connection:    %s (attempts %d)\n", v.Connection, v.Attempts)
	fmt.Printf("Conversations: %d\n", v.Conversations)
	fmt.Printf("Unread:        %d (system %d)\n", v.TotalUnread, v.SystemUnread)
	if v.Current != "" {
		fmt.Printf("Open:          %s\n", v.Current)
	}
	fmt.Printf("Visible:       %v\n", v.Visible)
	fmt.Printf("Archived:      %d messages\n", v.Archived)
	fmt.Printf("Uptime:        %s\n", (time.Duration(v.UptimeMs) * time.Millisecond).Round(time.Second))
}

func (c *cli) conversations(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("conversations", flag.ExitOnError)
	kind := fs.String("kind", "", "private, project or system")
	project := fs.String("project", "", "project id")
	query := fs.String("q", "", "name filter")
	unread := fs.Bool("unread", false, "only conversations with unread messages")
	archived := fs.Bool("archived", false, "include archived conversations")
	_ = fs.Parse(args)

	filter := store.Filter{
		Kind:         model.ConversationKind(*kind),
		ProjectID:    *project,
		Query:        *query,
		UnreadOnly:   *unread,
		ShowArchived: *archived,
	}
	var out api.ConversationList
	c.call(ctx, api.MethodListConversations, api.ListConversationsRequest{Filter: &filter}, &out)
	if c.json {
		outputJSON(out)
		return
	}
	if len(out.Conversations) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, conv := range out.Conversations {
		flags := ""
		if conv.Pinned {
			flags += "*"
		}
		if conv.Muted {
			flags += "m"
		}
		preview := ""
		if conv.LastMessage != nil {
			preview = conv.LastMessage.Content
		}
		fmt.Printf("%-24s %-8s %-2s %-24s %3d  %s\n", conv.ID, conv.Kind, flags, conv.Name, conv.UnreadCount, preview)
	}
	fmt.Printf("\n%d unread\n", out.Total)
}

func (c *cli) messages(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("messages", flag.ExitOnError)
	fromArchive := fs.Bool("archive", false, "read from the local archive")
	limit := fs.Int("n", 0, "newest N messages")
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		fatalf("usage: imctl messages [-archive] [-n N] <conversation>")
	}
	c.messageList(ctx, api.MethodListMessages, api.ListMessagesRequest{
		ConversationID: fs.Arg(0),
		Limit:          *limit,
		FromArchive:    *fromArchive,
	})
}

func (c *cli) messageList(ctx context.Context, method string, req any) {
	var out api.MessageList
	c.call(ctx, method, req, &out)
	if c.json {
		outputJSON(out)
		return
	}
	for _, m := range out.Messages {
		printMessage(m)
	}
	if out.HasMore {
		fmt.Println("(older history available)")
	}
	if len(out.Typing) > 0 {
		fmt.Printf("%s typing...\n", strings.Join(out.Typing, ", "))
	}
}

func printMessage(m model.Message) {
	mark := ""
	switch m.Status {
	case model.StatusSending:
		mark = " …"
	case model.StatusFailed:
		mark = " ! " + m.Error
	}
	fmt.Printf("[%s] %-12s %s%s  (%s)\n", m.Timestamp.Local().Format("01-02 15:04"), m.SenderID, m.Content, mark, m.ID)
	for _, a := range m.Attachments {
		fmt.Printf("               + %s (%d bytes)\n", a.Name, a.Size)
	}
}

type fileList []string

func (f *fileList) String() string     { return strings.Join(*f, ",") }
func (f *fileList) Set(v string) error { *f = append(*f, v); return nil }

func (c *cli) send(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	reply := fs.String("reply", "", "message id to reply to")
	var files fileList
	fs.Var(&files, "file", "attach a file (repeatable)")
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		fatalf("usage: imctl send [-reply id] [-file path] <conversation> <text>")
	}
	paths := make([]string, 0, len(files))
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			fatalf("%v", err)
		}
		paths = append(paths, abs)
	}
	var res api.SendResult
	c.call(ctx, api.MethodSend, api.SendRequest{
		ConversationID: fs.Arg(0),
		Content:        strings.Join(fs.Args()[1:], " "),
		ReplyTo:        *reply,
		Files:          paths,
	}, &res)
	c.sendResult(res)
}

func (c *cli) sendResult(res api.SendResult) {
	if c.json {
		outputJSON(res)
	} else {
		printMessage(res.Message)
	}
	if res.Error != "" {
		fmt.Fprintf(os.Stderr, "send failed: %s (retry with: imctl retry %s %s)\n", res.Error, res.Message.ConversationID, res.Message.ID)
		os.Exit(2)
	}
}

func (c *cli) search(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	conv := fs.String("c", "", "restrict to a conversation")
	limit := fs.Int("n", 20, "maximum results")
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		fatalf("usage: imctl search [-c conversation] <query>")
	}
	var out api.SearchResults
	c.call(ctx, api.MethodSearch, api.SearchRequest{
		Query:          strings.Join(fs.Args(), " "),
		ConversationID: *conv,
		Limit:          *limit,
	}, &out)
	if c.json {
		outputJSON(out)
		return
	}
	if len(out.Results) == 0 {
		fmt.Println("No matches.")
		return
	}
	for _, r := range out.Results {
		fmt.Printf("%-24s %-12s %s\n", r.Message.ConversationID, r.Message.SenderID, r.Snippet)
	}
}

func (c *cli) users(out api.UserList) {
	if c.json {
		outputJSON(out)
		return
	}
	for _, u := range out.Users {
		fmt.Printf("%-24s %-24s %s\n", u.ID, u.DisplayName(), u.Status)
	}
}

func (c *cli) watch(namespaces []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	err := c.client.Watch(ctx, api.WatchRequest{Namespaces: namespaces}, func(e api.EventView) error {
		if c.json {
			outputJSON(e)
			return nil
		}
		payload, _ := json.Marshal(e.Payload)
		fmt.Printf("%s %-28s %s\n", time.UnixMilli(e.Timestamp).Format("15:04:05.000"), e.Kind, payload)
		return nil
	})
	if err != nil && ctx.Err() == nil {
		fatalf("%v", err)
	}
}

func (c *cli) sessions() {
	list, err := session.List()
	if err != nil {
		fatalf("%v", err)
	}
	if c.json {
		outputJSON(list)
		return
	}
	if len(list) == 0 {
		fmt.Println("No sessions found.")
		return
	}
	for _, s := range list {
		running := "stopped"
		if s.Running {
			running = fmt.Sprintf("running, pid %d, %s", s.Holder.PID, s.Holder.Server)
		}
		fmt.Printf("%-20s %s (%s)\n", s.Name, s.Dir, running)
	}
}

// reportDown explains why the daemon is unreachable, naming the holder when
// the session lock is taken.
func (c *cli) reportDown() {
	info, held, err := lock.Holder(session.For(c.session).Dir)
	switch {
	case err != nil:
		fmt.Fprintf(os.Stderr, "error: daemon for session %q is not reachable: %v\n", c.session, err)
	case held:
		fmt.Fprintf(os.Stderr, "error: session %q is locked by pid %d (since %s) but its socket does not answer\n",
			c.session, info.PID, info.Since.Local().Format(time.RFC3339))
	default:
		fmt.Fprintf(os.Stderr, "error: daemon for session %q is not running (start it with: imctl start)\n", c.session)
	}
}

func (c *cli) start() {
	if probeDaemon(c.socket) {
		fmt.Printf("daemon for session %q already running\n", c.session)
		return
	}
	if err := startDaemon(c.session); err != nil {
		fatalf("start daemon: %v", err)
	}
	if !waitForDaemon(c.socket, 10*time.Second) {
		fatalf("daemon did not become ready (see %s)", session.For(c.session).Log)
	}
	fmt.Printf("daemon for session %q started\n", c.session)
}

// probeDaemon checks if a daemon is running and responsive on the socket.
func probeDaemon(socketPath string) bool {
	if _, err := os.Stat(socketPath); errors.Is(err, os.ErrNotExist) {
		return false
	}
	client, err := api.Dial(socketPath)
	if err != nil {
		return false
	}
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = client.Status(ctx)
	return err == nil
}

func startDaemon(sessionName string) error {
	executable, err := os.Executable()
	if err != nil {
		return err
	}
	imd := filepath.Join(filepath.Dir(executable), "imd")
	if _, err := os.Stat(imd); err != nil {
		imd = "imd"
	}

	cmd := exec.Command(imd, "--session", sessionName)
	// Inherit stderr so daemon startup errors are visible.
	cmd.Stderr = os.Stderr
	return cmd.Start()
}

// waitForDaemon polls the daemon with a real status call, not just a socket connect.
func waitForDaemon(socketPath string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if probeDaemon(socketPath) {
			return true
		}
		time.Sleep(300 * time.Millisecond)
	}
	return false
}

func parseSwitch(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "visible", "focus":
		return true, nil
	case "off", "hidden", "blur":
		return false, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("visibility must be on or off, got %q", s)
	}
	return v, nil
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
