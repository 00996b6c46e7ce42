package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chzyer/readline"

	"github.com/qbot-dev/qbot/pkg/bot"
	"github.com/qbot-dev/qbot/pkg/config"
	"github.com/qbot-dev/qbot/pkg/onebot"
	"github.com/qbot-dev/qbot/pkg/transport"
)

const consoleUser = int64(10000)

// consoleTransport stands in for a OneBot backend: typed lines become
// private message events and sent messages are printed.
type consoleTransport struct {
	onEvent transport.EventHandler
	selfID  int64
	nextID  atomic.Int64

	mu  sync.Mutex
	out io.Writer
}

func (c *consoleTransport) Start(ctx context.Context) error { return nil }

func (c *consoleTransport) Call(ctx context.Context, action string, params interface{}) (json.RawMessage, error) {
	var text string
	switch p := params.(type) {
	case onebot.SendPrivateMsgParams:
		text = p.Message
	case onebot.SendGroupMsgParams:
		text = p.Message
	default:
		return json.RawMessage(`{}`), nil
	}

	c.mu.Lock()
	fmt.Fprintf(c.out, "\n%s %s\n\n", logo, text)
	c.mu.Unlock()

	return json.RawMessage(fmt.Sprintf(`{"message_id":%d}`, c.nextID.Add(1))), nil
}

func (c *consoleTransport) Connected() bool { return true }

func (c *consoleTransport) Close() error { return nil }

func (c *consoleTransport) inject(userID int64, text string) error {
	frame, err := json.Marshal(map[string]interface{}{
		"post_type":    "message",
		"message_type": "private",
		"sub_type":     "friend",
		"message_id":   c.nextID.Add(1),
		"user_id":      userID,
		"self_id":      c.selfID,
		"time":         time.Now().Unix(),
		"message":      onebot.EscapeCQ(text),
		"raw_message":  text,
		"sender":       map[string]interface{}{"user_id": userID, "nickname": "console"},
	})
	if err != nil {
		return err
	}
	c.onEvent(context.Background(), frame)
	return nil
}

func consoleCmd() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	// the console always starts awake
	cfg.Schedule.SleepTime, cfg.Schedule.WakeTime = "", ""
	setupLogging(cfg, hasFlag("--debug", "-d"))

	user := consoleUser
	if admins := cfg.AdminIDs(); len(admins) > 0 {
		user = admins[0]
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("%s You: ", logo),
		HistoryFile:     filepath.Join(os.TempDir(), ".qbot_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})

	ct := &consoleTransport{selfID: 1, out: os.Stdout}
	var readLine func() (string, error)
	if err != nil {
		fmt.Printf("Error initializing readline: %v\n", err)
		fmt.Println("Falling back to simple input mode...")
		reader := bufio.NewReader(os.Stdin)
		readLine = func() (string, error) {
			fmt.Printf("%s You: ", logo)
			return reader.ReadString('\n')
		}
	} else {
		defer rl.Close()
		ct.out = rl.Stdout()
		readLine = rl.Readline
	}

	b, err := bot.New(cfg, bot.WithTransport(func(cfg *config.Config, onEvent transport.EventHandler) (transport.Transport, error) {
		ct.onEvent = onEvent
		return ct, nil
	}))
	if err != nil {
		fmt.Printf("Error creating bot: %v\n", err)
		os.Exit(1)
	}
	if err := b.Start(context.Background()); err != nil {
		fmt.Printf("Error starting bot: %v\n", err)
		b.Stop()
		os.Exit(1)
	}
	defer b.Stop()

	fmt.Printf("%s Console mode as user %d. Type /help for commands, exit to quit.\n\n", logo, user)

	for {
		line, err := readLine()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Goodbye!")
			return
		}

		if err := ct.inject(user, input); err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	}
}
