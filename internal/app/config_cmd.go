package app

import (
	"flag"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nuetzliches/courier/internal/config"
)

const defaultConfigPath = "./courier.yaml"

func configCmd(args []string) int {
	return runConfigCmd(args, os.Stdout, os.Stderr)
}

func runConfigCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "missing subcommand: validate | print")
		return 2
	}

	switch args[0] {
	case "validate":
		return configValidate(args[1:], stdout, stderr)
	case "print":
		return configPrint(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown config subcommand: %s\n", args[0])
		return 2
	}
}

func configValidate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("config validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	format := fs.String("format", "json", "output format: json|text")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return configValidateError(stderr, *format, err.Error())
	}
	res := config.Validate(cfg)

	out := stdout
	code := 0
	if !res.OK {
		out = stderr
		code = 1
	}
	if *format == "text" {
		fmt.Fprintln(out, config.FormatValidationText(res))
		return code
	}
	msg, err := config.FormatValidationJSON(res)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	fmt.Fprintln(out, msg)
	return code
}

// configValidateError emits a validation failure in the requested format.
func configValidateError(stderr io.Writer, format, msg string) int {
	res := config.ValidationResult{
		OK:     false,
		Errors: []string{msg},
	}
	if format == "text" {
		fmt.Fprintln(stderr, config.FormatValidationText(res))
		return 1
	}
	out, err := config.FormatValidationJSON(res)
	if err != nil {
		fmt.Fprintln(stderr, msg)
		return 1
	}
	fmt.Fprintln(stderr, out)
	return 1
}

// configPrint writes the effective configuration after defaults,
// placeholders and env overrides. Secrets are masked.
func configPrint(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("config print", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	res := config.ValidationResult{}
	cfg.Resolve(&res)
	for _, w := range res.Warnings {
		fmt.Fprintf(stderr, "warning: %s\n", w)
	}
	if len(res.Errors) > 0 {
		for _, e := range res.Errors {
			fmt.Fprintf(stderr, "error: %s\n", e)
		}
		return 1
	}

	if cfg.Control.Token != "" {
		cfg.Control.Token = "redacted"
	}
	for i := range cfg.Control.Tokens {
		cfg.Control.Tokens[i].Value = "redacted"
	}
	if cfg.Storage.DSN != "" {
		cfg.Storage.DSN = "redacted"
	}
	enc := yaml.NewEncoder(stdout)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	_ = enc.Close()
	return 0
}
