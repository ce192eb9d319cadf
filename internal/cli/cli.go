package cli

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/kkpan11/ipyflow/internal/app"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Parse processes command-line arguments. It returns a populated Config,
// a boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	slog.Debug("CLI parser started.")
	flagSet := flag.NewFlagSet("ipyflow", flag.ContinueOnError)
	flagSet.SetOutput(output)

	// Custom usage/help text function
	flagSet.Usage = func() {
		fmt.Fprint(output, `
ipyflow - A reactive execution client for notebook dataflow kernels.

Usage:
  ipyflow [options] [NOTEBOOK_PATH]

Arguments:
  NOTEBOOK_PATH
    Path to the .ipynb notebook file to execute.

Options:
`)
		flagSet.PrintDefaults()
	}

	notebookFlag := flagSet.String("notebook", "", "Path to the notebook file.")
	nFlag := flagSet.String("n", "", "Path to the notebook file (shorthand).")
	endpointFlag := flagSet.String("endpoint", "", "Comm endpoint URL. Skips gateway discovery.")
	gatewayFlag := flagSet.String("gateway", "", "Gateway base URL for kernel discovery. Defaults to IPYFLOW_GATEWAY_URL.")
	tokenFlag := flagSet.String("token", "", "Gateway auth token. Defaults to IPYFLOW_GATEWAY_TOKEN.")
	namespaceFlag := flagSet.String("namespace", "", "Socket.io namespace for the comm channel.")
	kernelFlag := flagSet.String("kernel", "", "Kernel name to resolve or start via the gateway.")
	profileFlag := flagSet.String("profile", "", "Path to an HCL client profile file.")
	profileNameFlag := flagSet.String("profile-name", "", "Client block to select from the profile. Defaults to the first.")
	cellFlag := flagSet.String("cell", "", "Run a single cell id instead of the whole notebook.")
	altModeFlag := flagSet.Bool("alt-mode", false, "Run seed cells under temporarily toggled reactivity.")
	watchFlag := flagSet.Bool("watch", false, "Keep running and re-execute cells when the notebook file changes.")
	debounceFlag := flagSet.Int("debounce-ms", 0, "Content change debounce in milliseconds. 0 uses the default.")
	insecureFlag := flagSet.Bool("insecure-skip-verify", false, "Skip TLS certificate verification on the comm channel.")
	healthPortFlag := flagSet.Int("healthcheck-port", 0, "Port for the HTTP health check server. 0 is disabled.")
	logFormatFlag := flagSet.String("log-format", "json", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	slog.Debug("Arguments parsed successfully.")

	path := ""
	if *notebookFlag != "" {
		path = *notebookFlag
	} else if *nFlag != "" {
		path = *nFlag
	} else if flagSet.NArg() > 0 {
		path = flagSet.Arg(0)
	}
	slog.Debug("Notebook path determined.", "path", path)

	if path == "" {
		slog.Debug("No notebook path provided, printing usage and exiting.")
		flagSet.Usage()
		return nil, true, nil
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}

	gateway := *gatewayFlag
	if gateway == "" {
		gateway = os.Getenv("IPYFLOW_GATEWAY_URL")
	}
	token := *tokenFlag
	if token == "" {
		token = os.Getenv("IPYFLOW_GATEWAY_TOKEN")
	}
	slog.Debug("CLI parameter validation complete.")

	config, err := app.NewConfig(app.Config{
		NotebookPath:       path,
		Endpoint:           *endpointFlag,
		Gateway:            gateway,
		Token:              token,
		Namespace:          *namespaceFlag,
		KernelName:         *kernelFlag,
		ProfilePath:        *profileFlag,
		ProfileName:        *profileNameFlag,
		Cell:               *cellFlag,
		AltMode:            *altModeFlag,
		Watch:              *watchFlag,
		DebounceMs:         *debounceFlag,
		InsecureSkipVerify: *insecureFlag,
		HealthcheckPort:    *healthPortFlag,
		LogFormat:          logFormat,
		LogLevel:           logLevel,
	})

	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	slog.Debug("CLI parser finished successfully.", "config", config)
	return config, false, nil
}
