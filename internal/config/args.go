package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Worker flags the supervisor rewrites
const (
	FlagMaxClients  = "--max-clients"
	FlagMaxClientsS = "-m"
	FlagBandwidth   = "--bandwidth"
	FlagBandwidthS  = "-b"
	FlagDataDir     = "--data-dir"
	FlagDataDirS    = "-d"
	FlagMetricsAddr = "--metrics-addr"

	workerCommand = "start"
)

// looksLikeValue reports whether s is a flag value rather than a flag.
// Negative numbers such as "-5" are values.
func looksLikeValue(s string) bool {
	if !strings.HasPrefix(s, "-") {
		return true
	}
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}

func matchesFlag(arg, long, short string) bool {
	return arg == long || (short != "" && arg == short)
}

func matchesInline(arg, long, short string) bool {
	return strings.HasPrefix(arg, long+"=") || (short != "" && strings.HasPrefix(arg, short+"="))
}

// StripFlag removes every occurrence of a flag and its value from args.
// It handles "--flag v", "--flag=v", "-f v" and "-f=v". short may be empty.
func StripFlag(args []string, long, short string) []string {
	filtered := make([]string, 0, len(args))

	for i := 0; i < len(args); i++ {
		arg := args[i]

		if matchesFlag(arg, long, short) {
			if i+1 < len(args) && looksLikeValue(args[i+1]) {
				i++
			}
			continue
		}
		if matchesInline(arg, long, short) {
			continue
		}

		filtered = append(filtered, arg)
	}
	return filtered
}

// FlagValue returns the value of the last occurrence of a flag in args
func FlagValue(args []string, long, short string) (string, bool) {
	var (
		value string
		found bool
	)

	for i := 0; i < len(args); i++ {
		arg := args[i]

		if matchesFlag(arg, long, short) {
			if i+1 < len(args) && looksLikeValue(args[i+1]) {
				value, found = args[i+1], true
				i++
			}
			continue
		}
		if matchesInline(arg, long, short) {
			value, found = arg[strings.IndexByte(arg, '=')+1:], true
		}
	}
	return value, found
}

// WithFlag replaces any occurrence of a flag in args with "long value"
func WithFlag(args []string, long, short, value string) []string {
	return append(StripFlag(args, long, short), long, value)
}

// TrimCommand drops a leading worker subcommand so it is never doubled
func TrimCommand(passthrough []string) []string {
	if len(passthrough) > 0 && passthrough[0] == workerCommand {
		return passthrough[1:]
	}
	return passthrough
}

// DirectArgs is the worker command line when no traffic limit is set:
// the passthrough flags as given.
func (c *Config) DirectArgs() []string {
	args := []string{workerCommand}
	return append(args, TrimCommand(c.Passthrough)...)
}

// WorkerArgs builds the monitored worker command line. The shared data
// directory and metrics address always carry the supervisor's values so
// the worker listens where it is scraped. When throttled, any connection
// or bandwidth limit in the passthrough is replaced by the throttled limits.
func (c *Config) WorkerArgs(throttled bool) []string {
	rest := TrimCommand(c.Passthrough)
	rest = StripFlag(rest, FlagDataDir, FlagDataDirS)
	rest = StripFlag(rest, FlagMetricsAddr, "")

	if throttled {
		rest = StripFlag(rest, FlagMaxClients, FlagMaxClientsS)
		rest = StripFlag(rest, FlagBandwidth, FlagBandwidthS)
	}

	args := make([]string, 0, len(rest)+9)
	args = append(args, workerCommand)
	args = append(args, rest...)
	args = append(args, FlagDataDir, c.DataDir, FlagMetricsAddr, c.MetricsAddr)

	if throttled {
		args = append(args,
			FlagMaxClients, strconv.Itoa(c.MinConnections),
			FlagBandwidth, fmt.Sprintf("%.0f", c.MinBandwidthMbps),
		)
	}
	return args
}

// AdoptWorkerFlags takes the data directory and metrics address from the
// passthrough when the supervisor was not given its own value. In
// unmonitored mode a value that was given is forwarded to the worker instead.
func (c *Config) AdoptWorkerFlags(dataDirSet, metricsAddrSet bool) {
	if v, ok := FlagValue(c.Passthrough, FlagDataDir, FlagDataDirS); ok && !dataDirSet {
		c.DataDir = v
	}
	if v, ok := FlagValue(c.Passthrough, FlagMetricsAddr, ""); ok && !metricsAddrSet {
		c.MetricsAddr = v
	}

	if c.Monitored() {
		return
	}
	if dataDirSet {
		c.Passthrough = WithFlag(c.Passthrough, FlagDataDir, FlagDataDirS, c.DataDir)
	}
	if metricsAddrSet {
		c.Passthrough = WithFlag(c.Passthrough, FlagMetricsAddr, "", c.MetricsAddr)
	}
}
