// Command pool-gateway serves Gemini models through a shared pool of
// Code Assist credentials.
package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/compresr/pool-gateway/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	args := os.Args[1:]
	command := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}

	var err error
	switch command {
	case "serve":
		err = runServeCommand(args)
	case "credentials", "creds":
		err = runCredentialsCommand(args)
	case "migrate":
		err = runMigrateCommand(args)
	case "version":
		fmt.Println(version)
	case "help":
		printHelp()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", command)
		printHelp()
		os.Exit(2)
	}

	if errors.Is(err, errHelp) {
		printHelp()
		return
	}
	if err != nil {
		printError(err.Error())
		os.Exit(1)
	}
}

// =============================================================================
// FLAGS
// =============================================================================

var errHelp = errors.New("help requested")

// options are the flags shared by every command.
type options struct {
	configPath string
	envFile    string
	port       int
	debug      bool

	// credential flags
	refreshToken string
	accessToken  string
	email        string
	projectID    string
	label        string
	owner        string
	public       bool
	noVerify     bool
	all          bool

	positional []string
}

// parseFlags parses the flags of any command. Unknown flags are errors;
// everything that is not a flag is positional.
func parseFlags(args []string) (options, error) {
	opts := options{envFile: ".env"}

	value := func(i int) (string, error) {
		if i+1 >= len(args) {
			return "", fmt.Errorf("%s requires a value", args[i])
		}
		return args[i+1], nil
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		var target *string
		switch arg {
		case "-h", "--help":
			return opts, errHelp
		case "-d", "--debug":
			opts.debug = true
			continue
		case "--public":
			opts.public = true
			continue
		case "--no-verify":
			opts.noVerify = true
			continue
		case "--all":
			opts.all = true
			continue
		case "-p", "--port":
			v, err := value(i)
			if err != nil {
				return opts, err
			}
			port, err := strconv.Atoi(v)
			if err != nil || port <= 0 || port > 65535 {
				return opts, fmt.Errorf("invalid port %q", v)
			}
			opts.port = port
			i++
			continue
		case "-c", "--config":
			target = &opts.configPath
		case "-e", "--env":
			target = &opts.envFile
		case "--refresh-token":
			target = &opts.refreshToken
		case "--access-token":
			target = &opts.accessToken
		case "--email":
			target = &opts.email
		case "--project":
			target = &opts.projectID
		case "--label":
			target = &opts.label
		case "--owner":
			target = &opts.owner
		default:
			if strings.HasPrefix(arg, "-") {
				return opts, fmt.Errorf("unknown flag %s", arg)
			}
			opts.positional = append(opts.positional, arg)
			continue
		}
		v, err := value(i)
		if err != nil {
			return opts, err
		}
		*target = v
		i++
	}
	return opts, nil
}

// loadConfig loads the env file, then the config file (or defaults), then
// applies flag overrides.
func loadConfig(opts options) (*config.Config, error) {
	if opts.envFile != "" {
		if err := godotenv.Load(opts.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", opts.envFile, err)
		}
	}

	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if opts.port != 0 {
		cfg.Server.Port = opts.port
	}
	if opts.debug {
		cfg.Monitoring.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
