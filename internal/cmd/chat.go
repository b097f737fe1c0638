package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/reeflective/readline"
	"github.com/spf13/cobra"

	"github.com/parley-ai/parley/internal/api"
	"github.com/parley-ai/parley/internal/appdir"
	"github.com/parley-ai/parley/internal/chat"
	"github.com/parley-ai/parley/internal/clarify"
	"github.com/parley-ai/parley/internal/logging"
)

var (
	// Chat-specific flags
	oncePrompt       string
	chatConversation int64
)

// chatCmd represents the chat command
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive terminal chat session",
	Long: `Start an interactive chat session with the backend.

The command streams replies to the terminal as they are generated.
When the agent asks clarification questions, they are answered
interactively and the final prompt can be executed in place.

Use --once to send a single message and exit:
  parley chat --once "What is the capital of France?"

Use --conversation to continue an existing backend conversation:
  parley chat --conversation 42

Commands (interactive mode only):
  /new          - Start a new conversation
  /stop         - Stop the streaming response
  /sessions     - List tracked sessions
  /quit, /exit  - Exit the chat
  /help         - Show available commands`,
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)

	chatCmd.Flags().StringVar(&oncePrompt, "once", "", "Send a single message and exit (non-interactive mode)")
	chatCmd.Flags().Int64Var(&chatConversation, "conversation", 0, "Continue an existing backend conversation id")
}

func runChat(cmd *cobra.Command, args []string) error {
	isOnceMode := oncePrompt != ""

	if !isOnceMode || debug {
		fmt.Printf("🚀 Connecting to %s (team %d)\n", cfg.Backend.BaseURL, cfg.Backend.TeamID)
	}

	client, err := api.New(api.Config{
		BaseURL: cfg.Backend.BaseURL,
		TeamID:  cfg.Backend.TeamID,
		Token:   cfg.Backend.Token,
		Timeout: cfg.BackendTimeout(),
		Logger:  logging.API(),
	})
	if err != nil {
		return fmt.Errorf("failed to create backend client: %w", err)
	}

	svc := chat.NewService(chat.ServiceConfig{
		Backend:       chat.NewBackend(client),
		MaxSessions:   cfg.Chat.MaxSessions,
		CancelTimeout: cfg.CancelTimeout(),
		Logger:        logging.Chat(),
	})
	defer svc.Close()

	// Replies print as they stream, via registry notifications.
	printer := newStreamPrinter()
	svc.AddObserver(printer)
	defer svc.RemoveObserver(printer)

	// At the prompt the terminal is in raw mode and readline turns Ctrl+C
	// into ErrInterrupt. While a reply streams, Ctrl+C arrives here as
	// SIGINT and stops the generation instead of the process.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	r := &repl{
		svc:            svc,
		parser:         clarify.NewParser(cfg.Chat.FenceWindow),
		conversationID: chat.SessionID(chatConversation),
		sig:            sigChan,
		prompt:         "parley> ",
	}

	if isOnceMode {
		return r.runOnce(oncePrompt)
	}
	return r.runInteractive()
}

// repl drives one terminal chat session.
type repl struct {
	svc    *chat.Service
	parser *clarify.Parser
	rl     *readline.Shell
	sig    <-chan os.Signal

	// conversationID is the backend conversation being continued, zero
	// until the first exchange resolves one.
	conversationID chat.SessionID
	// prompt is what the readline shell displays; clarification questions
	// swap it temporarily.
	prompt string
}

// request builds the next message from the config defaults. clarification
// is per-message so that executing an assembled final prompt does not
// trigger another question round.
func (r *repl) request(message string, clarification bool) chat.Request {
	return chat.Request{
		ConversationID: r.conversationID,
		Message:        message,
		ModelID:        cfg.Chat.ModelID,
		WebSearch:      cfg.Chat.WebSearch,
		SearchEngine:   cfg.Chat.SearchEngine,
		Clarification:  clarification,
	}
}

// runOnce sends a single message and exits after the reply finishes.
func (r *repl) runOnce(message string) error {
	snap, err := r.sendAndWait(r.request(message, cfg.Chat.Clarification))
	if err != nil {
		return fmt.Errorf("chat error: %w", err)
	}
	if snap.Err != nil {
		return snap.Err
	}
	// Newline after the streamed response for clean output
	fmt.Println()
	return nil
}

func (r *repl) runInteractive() error {
	r.rl = readline.NewShell()
	r.rl.Prompt.Primary(func() string { return r.prompt })

	// Persistent history across runs; fall back to memory-only when the
	// app dir is unavailable.
	var history readline.History = readline.NewInMemoryHistory()
	if histPath, err := appdir.HistoryPath(); err == nil {
		if fileHistory, err := readline.NewHistoryFromFile(histPath); err == nil {
			history = fileHistory
		}
	}
	r.rl.History.Add("default", history)

	r.rl.Completer = func(line []rune, cursor int) readline.Completions {
		return completeInput(string(line), cursor)
	}

	fmt.Println("\n📝 Type your message and press Enter. Use /help for commands. Tab completes commands.")

	for {
		line, err := r.rl.Readline()
		if err != nil {
			if err == io.EOF || err == readline.ErrInterrupt {
				fmt.Println("\n👋 Goodbye!")
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if handled := r.handleCommand(line); handled {
				continue
			}
		}

		r.exchange(line)
	}
}

// exchange runs one message round-trip, then any clarification rounds it
// leads to. Each round blocks until the stream reaches a terminal state;
// the observer prints content in the meantime.
func (r *repl) exchange(message string) {
	clarification := cfg.Chat.Clarification
	for message != "" {
		fmt.Println() // spacing before the streamed reply
		snap, err := r.sendAndWait(r.request(message, clarification))
		fmt.Println()
		if err != nil {
			fmt.Printf("\n❌ Error: %v\n", err)
			return
		}
		if snap.ID != 0 {
			r.conversationID = snap.ID
		}

		message = ""
		if c := r.parser.Parse(snap.Content); c != nil {
			message = r.askClarification(c)
		} else if fp := r.parser.ParseFinalPrompt(snap.Content); fp != nil {
			message = r.askFinalPrompt(fp)
			// The assembled prompt runs as a plain message.
			clarification = false
		}
	}
}

// sendAndWait starts one exchange and blocks until it completes, fails, or
// a signal stops it. The returned snapshot is the session's terminal state.
func (r *repl) sendAndWait(req chat.Request) (chat.Session, error) {
	done := make(chan error, 1)
	resolvedCh := make(chan chat.SessionID, 1)

	id, err := r.svc.Start(req, chat.Callbacks{
		OnIDResolved: func(realID chat.SessionID) { resolvedCh <- realID },
		OnComplete:   func(chat.SessionID, int64) { done <- nil },
		OnError:      func(err error) { done <- err },
	})
	if err != nil {
		return chat.Session{}, err
	}

	// The key may change once when the backend resolves the real
	// conversation id.
	current := func() chat.SessionID {
		select {
		case rid := <-resolvedCh:
			id = rid
		default:
		}
		return id
	}

	select {
	case err := <-done:
		snap, _ := r.svc.Get(current())
		return snap, err
	case <-r.sig:
		fmt.Println("\n🛑 Stopping...")
		ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.CancelTimeout())
		defer cancel()
		r.svc.Stop(ctx, current())
		snap, _ := r.svc.Get(current())
		return snap, nil
	}
}

// askClarification renders the agent's questions and collects answers,
// returning the reply message to send. An empty return means the user
// skipped every question.
func (r *repl) askClarification(c *clarify.Clarification) string {
	fmt.Printf("\n💬 The agent asks %d clarification question(s). Press Enter to accept the recommended option, or answer each one.\n", len(c.Questions))

	var b strings.Builder
	for _, q := range c.Questions {
		label := strings.ToUpper(q.ID)
		fmt.Printf("\n%s: %s\n", label, q.Text)
		for i, opt := range q.Options {
			note := ""
			if opt.Recommended {
				note = " (recommended)"
			}
			fmt.Printf("  %d. %s%s\n", i+1, optionText(opt), note)
		}

		answer, err := r.askQuestion(q)
		if err != nil {
			// Interrupted mid-questionnaire; send what was gathered.
			break
		}
		if answer != "" {
			fmt.Fprintf(&b, "%s: %s\n", label, answer)
		}
	}
	return strings.TrimSpace(b.String())
}

// askQuestion reads one answer according to the question type.
func (r *repl) askQuestion(q clarify.Question) (string, error) {
	prompt := q.ID + "> "
	switch q.Type {
	case clarify.TextInput:
		line, err := r.readLine(prompt)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(line), nil

	case clarify.MultipleChoice:
		for {
			line, err := r.readLine(prompt)
			if err != nil {
				return "", err
			}
			line = strings.TrimSpace(line)
			if line == "" {
				return recommendedAnswers(q), nil
			}
			if answer, ok := pickOptions(q, strings.Split(line, ",")); ok {
				return answer, nil
			}
			fmt.Printf("❓ Enter option numbers between 1 and %d, comma-separated\n", len(q.Options))
		}

	default: // single choice
		for {
			line, err := r.readLine(prompt)
			if err != nil {
				return "", err
			}
			line = strings.TrimSpace(line)
			if line == "" {
				return recommendedAnswers(q), nil
			}
			if answer, ok := pickOptions(q, []string{line}); ok {
				return answer, nil
			}
			fmt.Printf("❓ Enter a number between 1 and %d\n", len(q.Options))
		}
	}
}

// askFinalPrompt offers to execute the assembled prompt.
func (r *repl) askFinalPrompt(fp *clarify.FinalPrompt) string {
	fmt.Println("\n📋 Final prompt assembled.")
	line, err := r.readLine("Execute it now? [Y/n]> ")
	if err != nil {
		return ""
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "", "y", "yes":
		return fp.Prompt
	}
	return ""
}

// readLine prompts with a temporary prompt string.
func (r *repl) readLine(prompt string) (string, error) {
	old := r.prompt
	r.prompt = prompt
	defer func() { r.prompt = old }()
	return r.rl.Readline()
}

func (r *repl) handleCommand(line string) bool {
	name := strings.ToLower(strings.TrimPrefix(line, "/"))
	parts := strings.Fields(name)
	if len(parts) == 0 {
		return false
	}

	switch parts[0] {
	case "quit", "exit", "q":
		fmt.Println("👋 Goodbye!")
		os.Exit(0)
	case "new":
		r.conversationID = 0
		fmt.Println("🆕 Next message starts a new conversation")
	case "stop":
		snap, ok := r.svc.Get(r.conversationID)
		if !ok || !snap.Streaming {
			fmt.Println("❓ Nothing is streaming")
			break
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.CancelTimeout())
		defer cancel()
		r.svc.Stop(ctx, r.conversationID)
		fmt.Println("🛑 Stopped")
	case "sessions":
		sessions := r.svc.Sessions()
		if len(sessions) == 0 {
			fmt.Println("No tracked sessions")
			break
		}
		for _, s := range sessions {
			state := "idle"
			if s.Stopping {
				state = "stopping"
			} else if s.Streaming {
				state = "streaming"
			}
			marker := "  "
			if s.ID == r.conversationID {
				marker = "* "
			}
			fmt.Printf("%s%-12d %-10s %d chars\n", marker, int64(s.ID), state, len(s.Content))
		}
	case "help", "h", "?":
		printHelp()
	default:
		fmt.Printf("❓ Unknown command: %s (use /help for available commands)\n", parts[0])
	}
	return true
}

func printHelp() {
	fmt.Println(`
Available commands:
  /new              - Start a new conversation
  /stop             - Stop the streaming response
  /sessions         - List tracked sessions
  /quit, /exit, /q  - Exit the chat
  /help, /h, /?     - Show this help message

Tips:
  - Type your message and press Enter to send it
  - Use Ctrl+C while a reply streams to stop the generation
  - Use up/down arrows for message history
  - Use Tab to autocomplete slash commands`)
}

// optionText is the human-readable form of an option.
func optionText(opt clarify.Option) string {
	if opt.Label != "" {
		return opt.Label
	}
	return opt.Value
}

// recommendedAnswers joins the labels of every recommended option. Empty
// when the question marks none.
func recommendedAnswers(q clarify.Question) string {
	var picks []string
	for _, opt := range q.Options {
		if opt.Recommended {
			picks = append(picks, optionText(opt))
		}
	}
	return strings.Join(picks, ", ")
}

// pickOptions resolves 1-based option numbers to their labels. It reports
// false when any entry is not a valid option number.
func pickOptions(q clarify.Question, entries []string) (string, bool) {
	var picks []string
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		n, err := strconv.Atoi(entry)
		if err != nil || n < 1 || n > len(q.Options) {
			return "", false
		}
		picks = append(picks, optionText(q.Options[n-1]))
	}
	if len(picks) == 0 {
		return "", false
	}
	return strings.Join(picks, ", "), true
}

// slashCommands defines the available slash commands with their descriptions.
var slashCommands = []struct {
	name        string
	description string
}{
	{"/help", "Show available commands"},
	{"/h", "Show available commands (alias)"},
	{"/?", "Show available commands (alias)"},
	{"/quit", "Exit the chat"},
	{"/exit", "Exit the chat (alias)"},
	{"/q", "Exit the chat (alias)"},
	{"/new", "Start a new conversation"},
	{"/stop", "Stop the streaming response"},
	{"/sessions", "List tracked sessions"},
}

// completeInput provides tab completion for the chat input.
// It completes slash commands when the input starts with "/".
func completeInput(line string, cursor int) readline.Completions {
	// Get the text up to the cursor position
	if cursor > len(line) {
		cursor = len(line)
	}
	text := line[:cursor]

	// Only complete if the line starts with "/"
	if !strings.HasPrefix(text, "/") {
		return readline.Completions{}
	}

	// Find matching commands
	var matches []string
	var descriptions []string
	for _, cmd := range slashCommands {
		if strings.HasPrefix(cmd.name, text) {
			matches = append(matches, cmd.name)
			descriptions = append(descriptions, cmd.description)
		}
	}

	if len(matches) == 0 {
		return readline.Completions{}
	}

	// Build value-description pairs for CompleteValuesDescribed
	pairs := make([]string, 0, len(matches)*2)
	for i, match := range matches {
		pairs = append(pairs, match, descriptions[i])
	}

	return readline.CompleteValuesDescribed(pairs...).
		Tag("commands").
		NoSpace('/') // Don't add space after completing partial command
}

// streamPrinter writes content growth to the terminal as sessions update.
// It tracks how much of each session has been printed so only new bytes go
// out, and follows the id through a provisional-to-real remap.
type streamPrinter struct {
	mu      sync.Mutex
	out     io.Writer
	printed map[chat.SessionID]int
}

func newStreamPrinter() *streamPrinter {
	return &streamPrinter{out: os.Stdout, printed: make(map[chat.SessionID]int)}
}

func (p *streamPrinter) SessionUpdated(s chat.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flush(s)
}

func (p *streamPrinter) SessionResolved(oldID chat.SessionID, s chat.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.printed[s.ID] = p.printed[oldID]
	delete(p.printed, oldID)
	p.flush(s)
}

func (p *streamPrinter) SessionDeleted(id chat.SessionID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.printed, id)
}

func (p *streamPrinter) flush(s chat.Session) {
	if n := p.printed[s.ID]; len(s.Content) > n {
		fmt.Fprint(p.out, s.Content[n:])
		p.printed[s.ID] = len(s.Content)
	}
}
