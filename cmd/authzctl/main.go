package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/eventra/authz"
	"github.com/eventra/authz/stores"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch cmd := os.Args[1]; cmd {
	case "convert":
		handleConvert()
	case "validate":
		handleValidate()
	case "stats":
		handleStats()
	case "check":
		handleCheck()
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("authzctl - Configuration and decision tool for authz")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  authzctl convert <input> <output>                              - Convert between formats")
	fmt.Println("  authzctl validate <file>                                       - Validate configuration")
	fmt.Println("  authzctl stats <file>                                          - Show configuration statistics")
	fmt.Println("  authzctl check [flags] <file> <user> <resource> <action> [id]  - Evaluate one request")
	fmt.Println()
	fmt.Println("Supported formats: .authz, .dsl, .yaml, .yml, .json, .bin")
}

func handleConvert() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: authzctl convert <input> <output>")
		os.Exit(1)
	}

	inputFile := os.Args[2]
	outputFile := os.Args[3]

	cfg, err := loadConfig(inputFile)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := saveConfig(cfg, outputFile); err != nil {
		fmt.Printf("Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Converted %s -> %s\n", inputFile, outputFile)

	inStat, _ := os.Stat(inputFile)
	outStat, _ := os.Stat(outputFile)
	if inStat != nil && outStat != nil {
		reduction := (1 - float64(outStat.Size())/float64(inStat.Size())) * 100
		if reduction > 0 {
			fmt.Printf("Size reduced by %.1f%% (%d -> %d bytes)\n",
				reduction, inStat.Size(), outStat.Size())
		} else {
			fmt.Printf("Size increased by %.1f%% (%d -> %d bytes)\n",
				-reduction, inStat.Size(), outStat.Size())
		}
	}
}

func handleValidate() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: authzctl validate <file>")
		os.Exit(1)
	}

	filename := os.Args[2]
	cfg, err := loadConfig(filename)
	if err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Version:     %d\n", cfg.Version)
	fmt.Printf("  Defaults:    %d\n", len(cfg.Defaults))
	fmt.Printf("  Assignments: %d\n", len(cfg.Assignments))
	fmt.Printf("  Grants:      %d\n", len(cfg.Grants))
	fmt.Printf("  Policies:    %d\n", len(cfg.Policies))
}

func handleStats() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: authzctl stats <file>")
		os.Exit(1)
	}

	filename := os.Args[2]
	cfg, err := loadConfig(filename)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	stat, _ := os.Stat(filename)

	fmt.Println("Configuration Statistics")
	fmt.Println("========================")
	if stat != nil {
		fmt.Printf("File size: %d bytes\n", stat.Size())
	}
	fmt.Printf("Version: %d\n", cfg.Version)
	fmt.Println()

	fmt.Println("Components:")
	fmt.Printf("  Defaults:    %d\n", len(cfg.Defaults))
	fmt.Printf("  Assignments: %d\n", len(cfg.Assignments))
	fmt.Printf("  Grants:      %d\n", len(cfg.Grants))
	fmt.Printf("  Policies:    %d\n", len(cfg.Policies))
	fmt.Println()

	if len(cfg.Policies) > 0 {
		allowCount := 0
		denyCount := 0
		conditional := 0
		instance := 0
		for _, p := range cfg.Policies {
			if p.Effect == string(authz.EffectAllow) {
				allowCount++
			} else {
				denyCount++
			}
			if len(p.Conditions) > 0 {
				conditional++
			}
			if p.ResourceID != "" {
				instance++
			}
		}
		fmt.Println("Policy Details:")
		fmt.Printf("  Allow policies:    %d\n", allowCount)
		fmt.Printf("  Deny policies:     %d\n", denyCount)
		fmt.Printf("  With conditions:   %d\n", conditional)
		fmt.Printf("  Instance-scoped:   %d\n", instance)
		fmt.Println()
	}

	fmt.Println("Engine Configuration:")
	fmt.Printf("  Cache TTL:        %dms\n", cfg.Engine.CacheTTL)
	fmt.Printf("  Cache entries:    %d\n", cfg.Engine.CacheMaxEntries)
	fmt.Printf("  Cache counters:   %d\n", cfg.Engine.CacheNumCounters)
	fmt.Printf("  Cache buffer:     %d\n", cfg.Engine.CacheBuffer)
	fmt.Printf("  Audit buffer:     %d\n", cfg.Engine.AuditBuffer)
	fmt.Printf("  Sweep interval:   %dms\n", cfg.Engine.SweepInterval)
}

func handleCheck() {
	fs := pflag.NewFlagSet("check", pflag.ExitOnError)
	ip := fs.String("ip", "", "caller IP to evaluate ip_range conditions against")
	at := fs.String("at", "", "evaluate at this RFC3339 instant instead of now")
	trace := fs.Bool("trace", false, "print the decision trace")
	fs.Usage = func() {
		fmt.Println("Usage: authzctl check [flags] <file> <user> <resource> <action> [resource-id]")
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[2:])

	args := fs.Args()
	if len(args) < 4 {
		fs.Usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(args[0])
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(2)
	}

	var opts []authz.Option
	if *at != "" {
		t, err := time.Parse(time.RFC3339, *at)
		if err != nil {
			fmt.Printf("Bad --at value: %v\n", err)
			os.Exit(2)
		}
		opts = append(opts, authz.WithClock(func() time.Time { return t }))
	}

	ctx := context.Background()
	engine, err := authz.NewEngineFromConfig(ctx, cfg, stores.NewMemoryGrantStore(), stores.NewMemoryPolicyStore(), opts...)
	if err != nil {
		fmt.Printf("Error building engine: %v\n", err)
		os.Exit(2)
	}
	defer engine.Close()

	req := authz.Request{
		UserID:   args[1],
		Resource: args[2],
		Action:   authz.Action(strings.ToLower(args[3])),
		IP:       *ip,
	}
	if len(args) > 4 {
		req.ResourceID = args[4]
	}

	var verdict authz.Verdict
	if *trace {
		var steps []string
		verdict, steps = engine.Explain(ctx, req)
		for _, s := range steps {
			fmt.Printf("  %s\n", s)
		}
	} else {
		verdict = engine.Authorize(ctx, req)
	}

	if verdict.Allowed {
		fmt.Printf("ALLOW (%s)\n", verdict.Reason)
	} else {
		fmt.Printf("DENY (%s)\n", verdict.Reason)
	}
	if verdict.MatchedBy != "" {
		fmt.Printf("  matched by: %s\n", verdict.MatchedBy)
	}

	if verdict.Allowed {
		os.Exit(0)
	}
	os.Exit(1)
}

func loadConfig(filename string) (*authz.Config, error) {
	return authz.NewConfigLoader().LoadFile(filename)
}

func saveConfig(cfg *authz.Config, filename string) error {
	ext := strings.ToLower(filepath.Ext(filename))

	var data []byte
	var err error

	switch ext {
	case ".yaml", ".yml":
		data, err = cfg.ToYAML()
	case ".json":
		data, err = cfg.ToJSON()
	case ".authz", ".dsl":
		data, err = cfg.ToDSL()
	case ".bin":
		data, err = cfg.ToBinary()
	default:
		return fmt.Errorf("unsupported file format: %s", ext)
	}

	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
