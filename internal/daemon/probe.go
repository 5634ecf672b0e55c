package daemon

import (
	"github.com/matheus3301/wppbot/internal/config"
	"go.uber.org/zap"
)

// Capabilities lists which optional collaborators are usable.
type Capabilities struct {
	AI        bool
	Search    bool
	Downloads bool
	Operator  bool
	Upload    bool
}

type configured interface{ Configured() bool }

type available interface{ Available() bool }

func probe(cfg *config.Config, ai, search configured, downloader available) Capabilities {
	return Capabilities{
		AI:        ai.Configured(),
		Search:    search.Configured(),
		Downloads: downloader.Available(),
		Operator:  cfg.Report.OperatorJID != "",
		Upload:    cfg.Backup.Enabled && cfg.Backup.S3.Bucket != "",
	}
}

// Missing names the capabilities that are off.
func (c Capabilities) Missing() []string {
	var out []string
	for _, f := range []struct {
		name string
		ok   bool
	}{
		{"ai", c.AI},
		{"search", c.Search},
		{"downloads", c.Downloads},
		{"operator", c.Operator},
		{"upload", c.Upload},
	} {
		if !f.ok {
			out = append(out, f.name)
		}
	}
	return out
}

func logCapabilities(c Capabilities, logger *zap.Logger) {
	fields := []zap.Field{
		zap.Bool("ai", c.AI),
		zap.Bool("search", c.Search),
		zap.Bool("downloads", c.Downloads),
		zap.Bool("operator", c.Operator),
		zap.Bool("upload", c.Upload),
	}
	if !c.AI {
		logger.Warn("no AI key configured, every reply will be an apology", fields...)
		return
	}
	if missing := c.Missing(); len(missing) > 0 {
		logger.Info("capabilities probed", append(fields, zap.Strings("missing", missing))...)
		return
	}
	logger.Info("capabilities probed", fields...)
}
