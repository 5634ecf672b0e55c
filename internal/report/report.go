package report

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/wppbot/internal/apperr"
	"github.com/matheus3301/wppbot/internal/cache"
	"go.uber.org/zap"
)

// Default cooldowns per framing.
const (
	DefaultBugCooldown    = 10 * time.Minute
	DefaultConfigCooldown = 6 * time.Hour
)

// Notifier delivers a text message to the operator.
type Notifier interface {
	QueueText(ctx context.Context, jid, text string) (string, error)
}

// Options configures a Reporter.
type Options struct {
	OperatorJID    string
	BugCooldown    time.Duration
	ConfigCooldown time.Duration
}

// Reporter sends at most one operator message per (context, message) key
// per cooldown window.
type Reporter struct {
	operator string
	notifier Notifier
	bugs     *cache.Cache[string, time.Time]
	configs  *cache.Cache[string, time.Time]
	logger   *zap.Logger
}

// New creates a reporter. With no operator configured, reports are only logged.
func New(n Notifier, opts Options, logger *zap.Logger) *Reporter {
	if opts.BugCooldown <= 0 {
		opts.BugCooldown = DefaultBugCooldown
	}
	if opts.ConfigCooldown <= 0 {
		opts.ConfigCooldown = DefaultConfigCooldown
	}
	return &Reporter{
		operator: opts.OperatorJID,
		notifier: n,
		bugs:     cache.New[string, time.Time](opts.BugCooldown, 1024),
		configs:  cache.New[string, time.Time](opts.ConfigCooldown, 1024),
		logger:   logger,
	}
}

// Report notifies the operator about err raised while handling where.
// It reports whether a message was queued.
func (r *Reporter) Report(ctx context.Context, where string, err error) bool {
	if err == nil {
		return false
	}
	config := apperr.KindOf(err) == apperr.KindMissingDependency
	seen := r.bugs
	if config {
		seen = r.configs
	}
	key := where + "|" + err.Error()
	if seen.SeenOrAdd(key, time.Now()) {
		r.logger.Debug("report suppressed by cooldown", zap.String("context", where))
		return false
	}

	text := format(where, err, config)
	if r.operator == "" || r.notifier == nil {
		r.logger.Warn("operator report", zap.String("context", where), zap.Error(err), zap.Bool("config", config))
		return false
	}
	if _, qerr := r.notifier.QueueText(ctx, r.operator, text); qerr != nil {
		r.logger.Error("failed to queue operator report", zap.Error(qerr))
		seen.Delete(key)
		return false
	}
	return true
}

func format(where string, err error, config bool) string {
	var b strings.Builder
	if config {
		b.WriteString("*Configuration issue*\n")
		fmt.Fprintf(&b, "While handling %s a required dependency was unavailable:\n%v\n", where, err)
		b.WriteString("Check the API keys and installed tools, then restart the daemon.")
		return b.String()
	}
	b.WriteString("*Bug report*\n")
	fmt.Fprintf(&b, "Context: %s\n", where)
	if k := apperr.KindOf(err); k != "" {
		fmt.Fprintf(&b, "Kind: %s\n", k)
	}
	fmt.Fprintf(&b, "Error: %v\n", err)
	fmt.Fprintf(&b, "Time: %s", time.Now().UTC().Format(time.RFC3339))
	return b.String()
}
