package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "herald/internal/runtime/supervisor"
	kit "herald/internal/transport"
	logx "herald/pkg/logx"
)

const (
	textLimit  = 4000
	apiBaseURL = "https://api.telegram.org"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// Adapter speaks the Telegram Bot API: outbound deliveries through telebot,
// chat membership tracking through the long poller, reachability probes
// through raw getChat calls.
type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // chan<- kit.DirectoryUpdate
	runMu   sync.Mutex
	running bool

	// sup owns the adapter goroutines (poll loop, drop reporter, stop
	// watcher) between Start and Stop.
	sup *rtsup.Supervisor

	// dropCount tallies membership updates lost to a full consumer channel.
	// Summarized periodically instead of logged one by one.
	dropCount uint64

	http    *http.Client
	apiBase string
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		cfg:     cfg,
		log:     log,
		bot:     bot,
		http:    &http.Client{Timeout: 8 * time.Second},
		apiBase: apiBaseURL,
	}
	// Seed the atomic with its one dynamic type before anything loads it.
	var unset chan<- kit.DirectoryUpdate
	a.out.Store(unset)
	a.wireHandlers()
	return a, nil
}

// Handlers forward into whatever channel Start installed last.
func (a *Adapter) wireHandlers() {
	a.bot.Handle(tele.OnMyChatMember, func(c tele.Context) error {
		upd := c.ChatMember()
		if upd == nil || upd.Chat == nil || upd.NewChatMember == nil {
			return nil
		}
		a.pushUpdate(kit.DirectoryUpdate{
			ID:        upd.Chat.ID,
			Title:     chatTitle(upd.Chat),
			Reachable: memberRoleCanReceive(upd.NewChatMember.Role),
		})
		return nil
	})

	a.bot.Handle(tele.OnAddedToGroup, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		a.pushUpdate(kit.DirectoryUpdate{
			ID:        m.Chat.ID,
			Title:     chatTitle(m.Chat),
			Reachable: true,
		})
		return nil
	})
}

func memberRoleCanReceive(role tele.MemberStatus) bool {
	switch role {
	case tele.Creator, tele.Administrator, tele.Member:
		return true
	default:
		return false
	}
}

func chatTitle(c *tele.Chat) string {
	if c.Title != "" {
		return c.Title
	}
	if c.Username != "" {
		return "@" + c.Username
	}
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

func (a *Adapter) pushUpdate(up kit.DirectoryUpdate) {
	out, _ := a.out.Load().(chan<- kit.DirectoryUpdate)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.dropCount, 1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.DirectoryUpdate) error {
	if ctx == nil {
		ctx = context.Background()
	}

	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		// Adapter trouble must not take down the whole daemon.
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup

	// One periodic summary beats a log line per dropped update.
	outCap := cap(out)
	sup.Go0("updates.drop_report", func(c context.Context) { a.reportDrops(c, outCap) })

	// telebot only stops through Stop(); tie that to the context.
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		if a.bot != nil {
			a.bot.Stop()
		}
	})

	// bot.Start blocks for the life of the poller and can exit early in odd
	// failure modes; the restart loop brings it back.
	sup.GoRestart0("telebot.poll", func(c context.Context) {
		a.log.Info("polling started")
		if a.bot != nil {
			a.bot.Start()
		}
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)

	return nil
}

func (a *Adapter) reportDrops(ctx context.Context, outCap int) {
	flush := func() {
		if n := atomic.SwapUint64(&a.dropCount, 0); n > 0 {
			a.log.Warn("membership updates dropped (channel full)",
				logx.Uint64("count", n), logx.Int("chan_cap", outCap))
		}
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-ticker.C:
			flush()
		}
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var detached chan<- kit.DirectoryUpdate
	a.out.Store(detached)
	a.runMu.Unlock()

	if !wasRunning {
		a.log.Debug("telegram stop called but not running")
		return nil
	}
	a.log.Info("stopping", logx.Uint64("dropped_updates_pending", atomic.LoadUint64(&a.dropCount)))

	if sup != nil {
		sup.Cancel()
	}
	// bot.Stop should return quickly; keep it off the shutdown path anyway.
	if a.bot != nil {
		go a.bot.Stop()
	}
	if sup == nil {
		return nil
	}

	// Never let a pending getUpdates hold shutdown hostage.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	err := sup.Wait(wctx)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		a.log.Warn("telegram stop timed out", logx.Err(err))
	default:
		a.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}

// Deliver sends one broadcast message, splitting it when Telegram's size
// limit requires. The first chunk that fails decides the classification.
func (a *Adapter) Deliver(ctx context.Context, destination int64, text string) kit.Delivery {
	chunks := splitText(text, textLimit)
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	chat := &tele.Chat{ID: destination}
	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return kit.Failure(err.Error())
		}
		if _, err := a.bot.Send(chat, chunk); err != nil {
			return classify(err)
		}
	}
	return kit.Success()
}

// classify maps a telebot error onto the delivery taxonomy. A definitive
// API rejection (blocked, kicked, chat gone) marks the destination
// unreachable; everything else is a transport error and retried next cycle.
func classify(err error) kit.Delivery {
	var te *tele.Error
	if !errors.As(err, &te) {
		return kit.Failure(err.Error())
	}
	desc := te.Description
	if desc == "" {
		desc = te.Error()
	}
	lower := strings.ToLower(desc)
	switch {
	case te.Code == 403:
		return kit.Unreachable(desc)
	case te.Code == 400 && strings.Contains(lower, "not found"):
		return kit.Unreachable(desc)
	case te.Code == 400 && strings.Contains(lower, "deactivated"):
		return kit.Unreachable(desc)
	case te.Code == 400 && strings.Contains(lower, "upgraded"):
		return kit.Unreachable(desc)
	}
	return kit.Failure(desc)
}

// ListReachable probes each known chat with a raw getChat call and returns
// the ones the bot can still see, with their current titles.
func (a *Adapter) ListReachable(ctx context.Context, known []int64) ([]kit.DirectoryEntry, error) {
	out := make([]kit.DirectoryEntry, 0, len(known))
	for _, id := range known {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		title, reachable, err := a.probeChat(ctx, id)
		if err != nil {
			return out, err
		}
		if reachable {
			out = append(out, kit.DirectoryEntry{ID: id, Title: title})
		}
	}
	return out, nil
}

// probeChat asks the Bot API about one chat. A definitive "no" (403, 400)
// reports unreachable; transport trouble surfaces as an error so the caller
// can retry the sweep later.
func (a *Adapter) probeChat(ctx context.Context, id int64) (title string, reachable bool, err error) {
	payload, err := json.Marshal(struct {
		ChatID int64 `json:"chat_id"`
	}{ChatID: id})
	if err != nil {
		return "", false, err
	}

	base := a.apiBase
	if base == "" {
		base = apiBaseURL
	}
	url := base + "/bot" + strings.TrimSpace(a.cfg.Token) + "/getChat"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := a.http
	if client == nil {
		client = &http.Client{Timeout: 8 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	var body struct {
		OK     bool `json:"ok"`
		Result struct {
			ID        int64  `json:"id"`
			Title     string `json:"title"`
			Username  string `json:"username"`
			FirstName string `json:"first_name"`
			LastName  string `json:"last_name"`
		} `json:"result"`
		ErrorCode   int    `json:"error_code"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", false, fmt.Errorf("telegram getChat decode: %w", err)
	}

	if body.OK {
		t := body.Result.Title
		if t == "" && body.Result.Username != "" {
			t = "@" + body.Result.Username
		}
		if t == "" {
			t = strings.TrimSpace(body.Result.FirstName + " " + body.Result.LastName)
		}
		return t, true, nil
	}
	if body.ErrorCode == 403 || body.ErrorCode == 400 {
		return "", false, nil
	}
	return "", false, fmt.Errorf("telegram getChat failed: %s (code=%d http=%d)", body.Description, body.ErrorCode, resp.StatusCode)
}

// splitText splits long messages into chunks that are safe to send, cutting
// at newline boundaries where one is near the window's end.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			end = newlineCut(rs, start, end, limit)
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))

		start = end
		// Skip leading newlines so no chunk comes out empty.
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

// newlineCut walks back from the window edge looking for a newline to break
// on, refusing cuts that would leave a chunk shorter than a third of the
// window.
func newlineCut(rs []rune, start, end, limit int) int {
	for i := end - 1; i > start; i-- {
		if rs[i] != '\n' {
			continue
		}
		if i-start >= limit/3 {
			return i + 1
		}
		break
	}
	return end
}
