package agent

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Installer installs a software package named by an ecosystem-prefixed spec.
type Installer interface {
	Install(ctx context.Context, spec string) error
}

// Ecosystems understood by ParseSpec.
const (
	EcosystemPip   = "pip"
	EcosystemConda = "conda"
	EcosystemR     = "r"
)

// ParseSpec splits "pip:numpy", "conda:samtools", "r:ggplot2" or
// "cran:ggplot2" into ecosystem and package. A bare name is a pip package.
func ParseSpec(spec string) (ecosystem, name string) {
	prefix, rest, ok := strings.Cut(spec, ":")
	if !ok {
		return EcosystemPip, strings.TrimSpace(spec)
	}
	switch strings.ToLower(prefix) {
	case "pip":
		return EcosystemPip, strings.TrimSpace(rest)
	case "conda":
		return EcosystemConda, strings.TrimSpace(rest)
	case "r", "cran":
		return EcosystemR, strings.TrimSpace(rest)
	default:
		return EcosystemPip, strings.TrimSpace(spec)
	}
}

// CommandInstaller shells out to pip, conda or Rscript.
type CommandInstaller struct {
	timeout time.Duration
	logger  *zap.Logger
}

// NewCommandInstaller creates an installer. A zero timeout means no limit
// beyond the caller's context.
func NewCommandInstaller(timeout time.Duration, logger *zap.Logger) *CommandInstaller {
	return &CommandInstaller{timeout: timeout, logger: logger}
}

// Command returns the program and arguments that install spec.
func Command(spec string) (string, []string, error) {
	eco, name := ParseSpec(spec)
	if name == "" {
		return "", nil, fmt.Errorf("empty package name in %q", spec)
	}
	switch eco {
	case EcosystemConda:
		return "conda", []string{"install", "-y", name}, nil
	case EcosystemR:
		if strings.ContainsAny(name, `'"\`) {
			return "", nil, fmt.Errorf("invalid R package name %q", name)
		}
		return "Rscript", []string{"-e", fmt.Sprintf("install.packages('%s', repos='https://cloud.r-project.org')", name)}, nil
	default:
		return "pip", []string{"install", name}, nil
	}
}

// Install runs the install command for spec.
func (i *CommandInstaller) Install(ctx context.Context, spec string) error {
	prog, args, err := Command(spec)
	if err != nil {
		return err
	}
	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}

	i.logger.Info("installing software", zap.String("spec", spec), zap.String("cmd", prog))
	out, err := exec.CommandContext(ctx, prog, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", prog, strings.Join(args, " "), err, truncate(strings.TrimSpace(string(out)), 500))
	}
	return nil
}
