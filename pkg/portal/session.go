package portal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/datamill/datamill/pkg/engine"
	"github.com/datamill/datamill/pkg/telemetry"
)

// SessionState tracks how far the portal session has progressed. Operations
// are only valid from specific states; any operation failure moves the
// session to StateFailed, from which only Close is accepted.
type SessionState string

const (
	// StateNotStarted is the initial state before login.
	StateNotStarted SessionState = "not_started"

	// StateLoggedIn means login completed.
	StateLoggedIn SessionState = "logged_in"

	// StateTemplateSelected means a report template was chosen.
	StateTemplateSelected SessionState = "template_selected"

	// StateDateFiltered means at least one date filter was applied.
	StateDateFiltered SessionState = "date_filtered"

	// StateClosed means the session was disposed.
	StateClosed SessionState = "closed"

	// StateFailed means an operation failed; only Close is valid.
	StateFailed SessionState = "failed"
)

// dateLayout is the format the portal's date inputs accept.
const dateLayout = "2006/01/02"

// Session defaults.
const (
	DefaultBridgeSize    = engine.DefaultBridgeSize
	DefaultMaxAttempts   = engine.DefaultMaxAttempts
	DefaultRetryDelay    = engine.DefaultRetryDelay
	DefaultLocateTimeout = 10 * time.Second
	DefaultLocatePoll    = time.Second
	DefaultSettle        = 2 * time.Second
	DefaultScope         = "Daily"
)

// Selectors names the page elements the workflow drives. The defaults match
// the portal build datamill targets; deployments with a different page
// structure override them in code.
type Selectors struct {
	// OperatorField receives the operator ID during login.
	OperatorField string

	// PasswordField receives the password during login. Empty skips the
	// password step for portals that authenticate by operator ID alone.
	PasswordField string

	// LoginButton submits the login form.
	LoginButton string

	// TemplateMenu opens the report template chooser.
	TemplateMenu string

	// ScopeSelect is the select element for the template range, chosen by
	// visible text.
	ScopeSelect string

	// TemplateSelect is the select element for the template, chosen by
	// option value.
	TemplateSelect string

	// ConfirmButton confirms the template choice.
	ConfirmButton string

	// DatePanels are the date filter panels, addressed by index.
	DatePanels []DatePanel

	// TabPattern builds a result tab selector from a tab ID.
	TabPattern string

	// ResultTab is the tab the daily report workflow opens.
	ResultTab string
}

// DatePanel holds the selectors of one date filter panel.
type DatePanel struct {
	From  string
	To    string
	Apply string
}

// DefaultSelectors returns the selector set for the default portal layout.
func DefaultSelectors() Selectors {
	return Selectors{
		OperatorField:  "#operator-id",
		LoginButton:    "#login",
		TemplateMenu:   "#template-menu",
		ScopeSelect:    "#template-scope",
		TemplateSelect: "#template-value",
		ConfirmButton:  "#template-confirm",
		DatePanels: []DatePanel{
			{From: "#date-from-0", To: "#date-to-0", Apply: "#date-apply-0"},
			{From: "#date-from-1", To: "#date-to-1", Apply: "#date-apply-1"},
		},
		TabPattern: "#tab-%s",
		ResultTab:  "summary",
	}
}

// Config carries the session tunables.
type Config struct {
	// URL is the portal entry page.
	URL string

	// Username is the operator ID typed during login.
	Username string

	// Password is typed into Selectors.PasswordField when both are set.
	Password string

	// Scope is the template range chosen by visible text. Defaults to
	// DefaultScope.
	Scope string

	// Template is the template chosen by option value.
	Template string

	// BridgeSize bounds concurrent driver calls.
	BridgeSize int

	// MaxAttempts bounds retries per workflow operation.
	MaxAttempts int

	// RetryDelay is the fixed wait between attempts.
	RetryDelay time.Duration

	// LocateTimeout bounds element polling in locate.
	LocateTimeout time.Duration

	// LocatePoll is the interval between locate lookups.
	LocatePoll time.Duration

	// Settle is the fixed wait after page-changing actions. Negative
	// disables the wait.
	Settle time.Duration

	// Selectors is the page element map. Zero value means DefaultSelectors.
	Selectors Selectors
}

func (c Config) withDefaults() Config {
	if c.Scope == "" {
		c.Scope = DefaultScope
	}
	if c.BridgeSize <= 0 {
		c.BridgeSize = DefaultBridgeSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.LocateTimeout <= 0 {
		c.LocateTimeout = DefaultLocateTimeout
	}
	if c.LocatePoll <= 0 {
		c.LocatePoll = DefaultLocatePoll
	}
	if c.Settle == 0 {
		c.Settle = DefaultSettle
	}
	if c.Selectors.OperatorField == "" {
		c.Selectors = DefaultSelectors()
	}
	return c
}

// Session owns a driver, a bridge, and a retrier, and walks the portal
// through its report workflow. Safe for use from one goroutine at a time.
type Session struct {
	driver  Driver
	bridge  *engine.Bridge
	retrier *engine.Retrier
	log     *telemetry.Logger
	metrics *telemetry.Metrics
	cfg     Config

	mu    sync.Mutex
	state SessionState
}

// NewSession creates a session over the driver. Nil logger and metrics fall
// back to inert implementations.
func NewSession(driver Driver, cfg Config, log *telemetry.Logger, metrics *telemetry.Metrics) *Session {
	cfg = cfg.withDefaults()
	if log == nil {
		log = telemetry.Nop()
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	log = log.NewComponentLogger("portal")

	return &Session{
		driver:  driver,
		bridge:  engine.NewBridge(cfg.BridgeSize, log, metrics),
		retrier: engine.NewRetrier(engine.Policy{MaxAttempts: cfg.MaxAttempts, Delay: cfg.RetryDelay}, log),
		log:     log,
		metrics: metrics,
		cfg:     cfg,
		state:   StateNotStarted,
	}
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Login navigates to the portal, types the operator ID (and password when
// configured), and submits. NotStarted -> LoggedIn.
func (s *Session) Login(ctx context.Context) error {
	return s.run(ctx, "portal login", StateLoggedIn, func(ctx context.Context) error {
		if err := s.call(ctx, "navigate", func() error {
			return s.driver.Navigate(s.cfg.URL)
		}); err != nil {
			return err
		}

		operator, err := s.locate(ctx, s.cfg.Selectors.OperatorField)
		if err != nil {
			return err
		}
		if err := s.sendKeys(ctx, operator, s.cfg.Username); err != nil {
			return err
		}

		if s.cfg.Selectors.PasswordField != "" && s.cfg.Password != "" {
			password, err := s.locate(ctx, s.cfg.Selectors.PasswordField)
			if err != nil {
				return err
			}
			if err := s.sendKeys(ctx, password, s.cfg.Password); err != nil {
				return err
			}
		}

		button, err := s.locate(ctx, s.cfg.Selectors.LoginButton)
		if err != nil {
			return err
		}
		if err := s.click(ctx, button); err != nil {
			return err
		}

		return s.settle(ctx)
	}, StateNotStarted)
}

// SelectTemplate opens the template menu and chooses the range by visible
// text and the template by value. Empty arguments fall back to the
// configured scope and template. LoggedIn -> TemplateSelected.
func (s *Session) SelectTemplate(ctx context.Context, scope, value string) error {
	if scope == "" {
		scope = s.cfg.Scope
	}
	if value == "" {
		value = s.cfg.Template
	}

	return s.run(ctx, "select template", StateTemplateSelected, func(ctx context.Context) error {
		menu, err := s.locate(ctx, s.cfg.Selectors.TemplateMenu)
		if err != nil {
			return err
		}
		if err := s.click(ctx, menu); err != nil {
			return err
		}

		scopeSel, err := s.locate(ctx, s.cfg.Selectors.ScopeSelect)
		if err != nil {
			return err
		}
		if err := s.call(ctx, "select scope", func() error {
			return s.driver.SelectOptionText(scopeSel, scope)
		}); err != nil {
			return err
		}

		templateSel, err := s.locate(ctx, s.cfg.Selectors.TemplateSelect)
		if err != nil {
			return err
		}
		if err := s.call(ctx, "select template", func() error {
			return s.driver.SelectOption(templateSel, value)
		}); err != nil {
			return err
		}

		confirm, err := s.locate(ctx, s.cfg.Selectors.ConfirmButton)
		if err != nil {
			return err
		}
		if err := s.click(ctx, confirm); err != nil {
			return err
		}

		return s.settle(ctx)
	}, StateLoggedIn)
}

// FilterByDate clears and fills the panel's from/to inputs and applies.
// TemplateSelected or DateFiltered -> DateFiltered.
func (s *Session) FilterByDate(ctx context.Context, from, to time.Time, panel int) error {
	if panel < 0 || panel >= len(s.cfg.Selectors.DatePanels) {
		return fmt.Errorf("date panel %d not configured", panel)
	}
	sel := s.cfg.Selectors.DatePanels[panel]

	return s.run(ctx, fmt.Sprintf("filter dates panel %d", panel), StateDateFiltered, func(ctx context.Context) error {
		if err := s.fillInput(ctx, sel.From, from.Format(dateLayout)); err != nil {
			return err
		}
		if err := s.fillInput(ctx, sel.To, to.Format(dateLayout)); err != nil {
			return err
		}

		apply, err := s.locate(ctx, sel.Apply)
		if err != nil {
			return err
		}
		if err := s.click(ctx, apply); err != nil {
			return err
		}

		return s.settle(ctx)
	}, StateTemplateSelected, StateDateFiltered)
}

// SelectTab clicks a result tab. Valid once date filtering has begun; the
// state stays DateFiltered.
func (s *Session) SelectTab(ctx context.Context, id string) error {
	selector := fmt.Sprintf(s.cfg.Selectors.TabPattern, id)

	return s.run(ctx, "select tab "+id, StateDateFiltered, func(ctx context.Context) error {
		tab, err := s.locate(ctx, selector)
		if err != nil {
			return err
		}
		if err := s.click(ctx, tab); err != nil {
			return err
		}

		return s.settle(ctx)
	}, StateDateFiltered)
}

// Close disposes the driver and shuts the bridge down. Valid from any state
// including Failed; errors are logged, never returned. Close blocks until
// the dispose call returns. Closing twice is safe.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.mu.Unlock()

	if err := s.bridge.Call(context.Background(), "dispose", s.driver.Dispose); err != nil {
		s.log.WithError(err).Warn("failed to dispose portal driver")
	}

	s.bridge.Close()
	s.log.Info("portal session closed")
}

// run guards an operation with the state machine, retries it, and records
// the outcome. Any failure after the state check marks the session Failed.
func (s *Session) run(ctx context.Context, op string, next SessionState, fn func(context.Context) error, allowed ...SessionState) error {
	if err := s.begin(op, allowed...); err != nil {
		return err
	}

	start := time.Now()
	if err := s.retrier.Do(ctx, op, fn); err != nil {
		s.fail()
		s.metrics.RecordPortalOp(op, "error", time.Since(start))
		return err
	}

	s.transition(next)
	s.metrics.RecordPortalOp(op, "ok", time.Since(start))
	s.log.WithOp(op).Debug("portal operation complete")
	return nil
}

func (s *Session) begin(op string, allowed ...SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, state := range allowed {
		if s.state == state {
			return nil
		}
	}
	return fmt.Errorf("cannot %s: portal session is %s", op, s.state)
}

func (s *Session) transition(next SessionState) {
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
}

func (s *Session) fail() {
	s.transition(StateFailed)
}

// locate polls Find through the bridge until the selector matches or the
// locate timeout expires.
func (s *Session) locate(ctx context.Context, selector string) (Element, error) {
	deadline := time.Now().Add(s.cfg.LocateTimeout)
	for {
		var el Element
		err := s.call(ctx, "find "+selector, func() error {
			found, ferr := s.driver.Find(selector)
			if ferr != nil {
				return ferr
			}
			el = found
			return nil
		})
		if err == nil {
			return el, nil
		}
		if !errors.Is(err, ErrElementNotFound) {
			return nil, err
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: %s after %s", ErrElementNotFound, selector, s.cfg.LocateTimeout)
		}

		select {
		case <-time.After(s.cfg.LocatePoll):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *Session) fillInput(ctx context.Context, selector, text string) error {
	el, err := s.locate(ctx, selector)
	if err != nil {
		return err
	}
	if err := s.call(ctx, "clear "+selector, func() error {
		return s.driver.Clear(el)
	}); err != nil {
		return err
	}
	return s.sendKeys(ctx, el, text)
}

func (s *Session) sendKeys(ctx context.Context, el Element, text string) error {
	return s.call(ctx, "send keys", func() error {
		return s.driver.SendKeys(el, text)
	})
}

func (s *Session) click(ctx context.Context, el Element) error {
	return s.call(ctx, "click", func() error {
		return s.driver.Click(el)
	})
}

// call routes one blocking driver call through the bridge.
func (s *Session) call(ctx context.Context, name string, fn func() error) error {
	return s.bridge.Call(ctx, name, fn)
}

func (s *Session) settle(ctx context.Context) error {
	if s.cfg.Settle <= 0 {
		return nil
	}
	select {
	case <-time.After(s.cfg.Settle):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
