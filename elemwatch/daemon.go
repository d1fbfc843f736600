package elemwatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/google/uuid"
	"golang.org/x/net/html"

	"github.com/hazyhaar/horosdom/dom"
	"github.com/hazyhaar/horosdom/elemwatch/event"
	"github.com/hazyhaar/horosdom/elemwatch/internal/browser"
	"github.com/hazyhaar/horosdom/elemwatch/internal/config"
	"github.com/hazyhaar/horosdom/elemwatch/internal/sink"
	"github.com/hazyhaar/horosdom/elemwatch/internal/source"
)

const maxEventText = 1000

// Daemon hosts one document: it loads it, keeps the configured watch rules
// registered, and sends every match to the sinks.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger
	doc    *dom.Document
	reg    *Registry
	sinkR  *sink.Router
	clean  *source.Sanitizer
	md     *converter.Converter
	render *lazyRenderer

	events  chan event.Event
	seq     atomic.Uint64
	emitted atomic.Int64
	dropped atomic.Int64

	mu      sync.Mutex
	rules   map[string]*activeRule
	pageURL atomic.Value // string

	db       *sql.DB
	reloader *config.Reloader
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

type activeRule struct {
	rule event.Rule
	g    *Registration
}

// RuleStatus is a rule as currently registered.
type RuleStatus struct {
	event.Rule
	Registration string `json:"registration"`
	Active       bool   `json:"active"`
}

// DaemonStats combines registry and delivery counters.
type DaemonStats struct {
	Registry Stats               `json:"registry"`
	Emitted  int64               `json:"emitted"`
	Dropped  int64               `json:"dropped"`
	Rules    int                 `json:"rules"`
	Ready    string              `json:"ready_state"`
	Reload   *config.ReloadStats `json:"reload,omitempty"`
}

// NewDaemon creates a Daemon. The document starts in the Loading state;
// Start loads it.
func NewDaemon(cfg *DaemonConfig, logger *slog.Logger, sinks ...Sink) *Daemon {
	if cfg == nil {
		cfg = &config.Config{}
	}
	cfg.ApplyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	yield := Gosched
	if cfg.Engine.FrameInterval > 0 {
		yield = Frame(cfg.Engine.FrameInterval)
	}
	doc := dom.New(dom.WithReadyState(dom.Loading))

	return &Daemon{
		cfg:    cfg,
		logger: logger,
		doc:    doc,
		reg: New(doc, Config{
			Throttle:    cfg.Engine.Throttle,
			ChunkSize:   cfg.Engine.ChunkSize,
			Yield:       yield,
			DedupWindow: cfg.Engine.DedupWindow,
			Logger:      logger,
		}),
		sinkR: sink.NewRouter(logger, sinks...),
		clean: source.NewSanitizer(),
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		render: &lazyRenderer{cfg: browser.Config{
			RemoteURL: cfg.Browser.Remote,
			Stealth:   cfg.Browser.Stealth,
			Block:     cfg.Browser.Block,
			Timeout:   cfg.Document.Timeout,
			Settle:    cfg.Browser.Settle,
			Logger:    logger,
		}},
		events: make(chan event.Event, 1024),
		rules:  make(map[string]*activeRule),
	}
}

func (d *Daemon) documentURL() string {
	u, _ := d.pageURL.Load().(string)
	return u
}

// Document returns the hosted document.
func (d *Daemon) Document() *dom.Document { return d.doc }

// Registry returns the registry the rules live in.
func (d *Daemon) Registry() *Registry { return d.reg }

// Start loads the document, registers the rules and begins delivering
// events. The document is Interactive while the rules are applied and
// Complete once Start returns.
func (d *Daemon) Start(ctx context.Context) error {
	ctx, d.cancel = context.WithCancel(ctx)
	d.reg.Start(ctx)
	d.wg.Add(1)
	go d.dispatch(ctx)

	if err := d.load(ctx); err != nil {
		return err
	}

	rules := d.cfg.Rules
	if d.cfg.RulesDB != "" {
		db, err := config.OpenDB(d.cfg.RulesDB)
		if err != nil {
			return fmt.Errorf("daemon: %w", err)
		}
		// data_version is per connection; keep a single one.
		db.SetMaxOpenConns(1)
		d.db = db
		d.reloader = config.NewReloader(db, config.ReloadOptions{
			Interval: 200 * time.Millisecond,
			Debounce: 500 * time.Millisecond,
			Logger:   d.logger,
		})
		if err := d.reloader.Prime(ctx); err != nil {
			return fmt.Errorf("daemon: %w", err)
		}
		dbRules, err := config.LoadRules(ctx, db)
		if err != nil {
			return fmt.Errorf("daemon: %w", err)
		}
		rules = mergeRules(d.cfg.Rules, dbRules)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.reloader.Run(ctx, d.reloadRules)
		}()
	}

	if err := d.ApplyRules(rules); err != nil {
		d.logger.Warn("daemon: some rules were rejected", "error", err)
	}
	d.doc.SetReadyState(dom.Complete)
	d.logger.Info("daemon: started", "rules", len(rules), "sinks", d.sinkR.Len(), "url", d.documentURL())
	return nil
}

// Stop unregisters everything, flushes queued events and closes the sinks.
func (d *Daemon) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.reg.Stop()
	d.wg.Wait()
	if err := d.sinkR.Close(); err != nil {
		d.logger.Warn("daemon: close sinks", "error", err)
	}
	if err := d.render.Close(); err != nil {
		d.logger.Warn("daemon: close browser", "error", err)
	}
	if d.db != nil {
		d.db.Close()
	}
	d.logger.Info("daemon: stopped", "emitted", d.emitted.Load(), "dropped", d.dropped.Load())
}

func (d *Daemon) load(ctx context.Context) error {
	loader := source.New(source.WithRenderer(d.render), source.WithLogger(d.logger))
	lctx, cancel := context.WithTimeout(ctx, d.cfg.Document.Timeout)
	defer cancel()

	page, err := loader.Load(lctx, source.Spec{
		Path:   d.cfg.Document.Path,
		URL:    d.cfg.Document.URL,
		Render: d.cfg.Document.Render,
	})
	if err != nil {
		return fmt.Errorf("daemon: load document: %w", err)
	}
	if err := d.doc.Replace(strings.NewReader(page.HTML)); err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	d.pageURL.Store(page.URL)
	d.doc.SetReadyState(dom.Interactive)
	d.logger.Info("daemon: document loaded",
		"url", page.URL, "path", d.cfg.Document.Path, "rendered", page.Rendered, "bytes", len(page.HTML))
	return nil
}

func (d *Daemon) reloadRules(ctx context.Context) error {
	dbRules, err := config.LoadRules(ctx, d.db)
	if err != nil {
		return err
	}
	if err := d.ApplyRules(mergeRules(d.cfg.Rules, dbRules)); err != nil {
		d.logger.Warn("daemon: some reloaded rules were rejected", "error", err)
	}
	return nil
}

// mergeRules lets database rules override file rules of the same name.
func mergeRules(file, db []event.Rule) []event.Rule {
	byName := make(map[string]int, len(file)+len(db))
	out := make([]event.Rule, 0, len(file)+len(db))
	for _, list := range [][]event.Rule{file, db} {
		for _, r := range list {
			if i, ok := byName[r.Name]; ok {
				out[i] = r
				continue
			}
			byName[r.Name] = len(out)
			out = append(out, r)
		}
	}
	return out
}

// ApplyRules makes rules the registered set: rules no longer listed are
// unregistered, changed ones are registered again (and rescan the
// document), unchanged ones are left alone. Invalid rules are skipped and
// reported in the returned error.
func (d *Daemon) ApplyRules(rules []event.Rule) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	want := make(map[string]event.Rule, len(rules))
	for _, r := range rules {
		want[r.Name] = r
	}
	for name, ar := range d.rules {
		if r, ok := want[name]; !ok || r != ar.rule {
			ar.g.Unregister()
			delete(d.rules, name)
			d.logger.Info("daemon: rule removed", "rule", name)
		}
	}

	var errs []error
	for _, r := range rules {
		if _, ok := d.rules[r.Name]; ok {
			continue
		}
		c, err := d.criteria(r)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", r.Name, err))
			continue
		}
		rule := r
		g, err := d.reg.Register(rule.Name, c, func(el *html.Node) { d.emit(rule, el) })
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", r.Name, err))
			continue
		}
		d.rules[r.Name] = &activeRule{rule: r, g: g}
		d.logger.Info("daemon: rule registered", "rule", r.Name, "registration", g.ID())
	}
	return errors.Join(errs...)
}

func (d *Daemon) criteria(r event.Rule) (Criteria, error) {
	if r.Name == "" {
		return Criteria{}, errors.New("name is required")
	}
	if r.Empty() {
		return Criteria{}, errors.New("rule has no constraint")
	}
	c := Criteria{Tag: r.Tag, Text: r.Text, Class: r.Class, ID: r.ID, Once: r.Once}
	if r.Selector != "" {
		sel, err := dom.Compile(r.Selector)
		if err != nil {
			return Criteria{}, err
		}
		c.Check = d.doc.Matcher(sel)
	}
	if r.Root != "" {
		sel, err := dom.Compile(r.Root)
		if err != nil {
			return Criteria{}, err
		}
		root := d.doc.QuerySelector(nil, sel)
		if root == nil {
			return Criteria{}, fmt.Errorf("root %q not found", r.Root)
		}
		c.Root = root
	}
	return c, nil
}

// Rules returns the registered rules sorted by name.
func (d *Daemon) Rules() []RuleStatus {
	d.mu.Lock()
	out := make([]RuleStatus, 0, len(d.rules))
	for _, ar := range d.rules {
		out = append(out, RuleStatus{Rule: ar.rule, Registration: ar.g.ID(), Active: ar.g.Active()})
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// emit runs as a registration callback; it never blocks on the sinks.
func (d *Daemon) emit(rule event.Rule, el *html.Node) {
	ev := event.Event{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Rule:      rule.Name,
		Selector:  rule.Selector,
		Timestamp: time.Now().UnixMilli(),
	}
	d.doc.Read(func() {
		ev.XPath = dom.XPath(el)
		ev.Tag = el.Data
		ev.ElementID = dom.ID(el)
		ev.Classes = dom.Classes(el)
		ev.Text = truncate(strings.Join(strings.Fields(dom.TextContent(el)), " "), maxEventText)
		ev.HTML = dom.OuterHTML(el)
	})
	ev.HTMLHash = event.HashHTML(ev.HTML)

	ev.DocumentURL = d.documentURL()

	if rule.Markdown {
		md, err := d.md.ConvertString(ev.HTML, converter.WithDomain(ev.DocumentURL))
		if err != nil {
			d.logger.Warn("daemon: markdown conversion failed", "rule", rule.Name, "error", err)
		} else {
			ev.Markdown = md
		}
	}
	ev.Seq = d.seq.Add(1)

	select {
	case d.events <- ev:
	default:
		d.dropped.Add(1)
		d.logger.Warn("daemon: event queue full, dropping", "rule", rule.Name, "seq", ev.Seq)
	}
}

func (d *Daemon) dispatch(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case ev := <-d.events:
			d.send(ctx, ev)
		case <-ctx.Done():
			// Flush what is already queued, bounded.
			fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for {
				select {
				case ev := <-d.events:
					d.send(fctx, ev)
				default:
					return
				}
			}
		}
	}
}

func (d *Daemon) send(ctx context.Context, ev event.Event) {
	if err := d.sinkR.Send(ctx, ev); err != nil {
		d.logger.Warn("daemon: event delivery failed", "rule", ev.Rule, "seq", ev.Seq, "error", err)
		return
	}
	d.emitted.Add(1)
}

// Insert sanitises fragment and appends it to the first element matching
// parent.
func (d *Daemon) Insert(parent, fragment string) ([]*html.Node, error) {
	sel, err := dom.Compile(parent)
	if err != nil {
		return nil, err
	}
	target := d.doc.QuerySelector(nil, sel)
	if target == nil {
		return nil, &NotFoundError{Selector: parent, Attempts: 1}
	}
	return d.doc.AppendHTML(target, d.clean.Sanitize(fragment))
}

// RemoveAll detaches every element matching selector and returns how many
// were removed. Elements nested in an already removed one are not counted.
func (d *Daemon) RemoveAll(selector string) (int, error) {
	sel, err := dom.Compile(selector)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, el := range d.doc.QuerySelectorAll(nil, sel) {
		var attached bool
		d.doc.Read(func() { attached = dom.Contains(d.doc.Root(), el) })
		if !attached {
			continue
		}
		if err := d.doc.Remove(el); err != nil {
			if errors.Is(err, dom.ErrDetached) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// Await waits for selector in the hosted document.
func (d *Daemon) Await(ctx context.Context, selector string, opts ...AwaitOption) (*html.Node, error) {
	return Await(ctx, d.reg, selector, opts...)
}

// Render writes the serialised document.
func (d *Daemon) Render(w io.Writer) error {
	return d.doc.Render(w)
}

// Stats returns the current counters.
func (d *Daemon) Stats() DaemonStats {
	s := DaemonStats{
		Registry: d.reg.Stats(),
		Emitted:  d.emitted.Load(),
		Dropped:  d.dropped.Load(),
		Ready:    d.doc.ReadyState().String(),
	}
	d.mu.Lock()
	s.Rules = len(d.rules)
	d.mu.Unlock()
	if d.reloader != nil {
		rs := d.reloader.Stats()
		s.Reload = &rs
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// lazyRenderer launches Chrome on first use only.
type lazyRenderer struct {
	cfg browser.Config

	mu sync.Mutex
	r  *browser.Renderer
}

func (l *lazyRenderer) Render(ctx context.Context, url string) (string, error) {
	l.mu.Lock()
	if l.r == nil {
		r, err := browser.New(l.cfg)
		if err != nil {
			l.mu.Unlock()
			return "", err
		}
		l.r = r
	}
	r := l.r
	l.mu.Unlock()
	return r.Render(ctx, url)
}

func (l *lazyRenderer) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.r == nil {
		return nil
	}
	err := l.r.Close()
	l.r = nil
	return err
}
