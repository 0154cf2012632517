package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	vestring "go-vestring"
	"go-vestring/stream"

	"github.com/eiannone/keyboard"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const demoAccount = "demo"

var (
	ledgerID    string
	dbURL       string
	kafkaBroker string
	kafkaTopic  string
	supply      int64
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "vestnode",
		Short: "An interactive vesting ledger node",
		Long: `Vestnode is a demonstration of the go-vestring library.
It runs a linear vesting ledger over an in-memory token float, optionally
persisting positions and the audit journal to PostgreSQL and publishing
audit events to Kafka.`,
		RunE: runNode,
	}

	rootCmd.Flags().StringVar(&ledgerID, "ledger-id", "demo_ledger", "Ledger identifier")
	rootCmd.Flags().StringVar(&dbURL, "db", "", "PostgreSQL connection URL (empty = memory only)")
	rootCmd.Flags().StringVar(&kafkaBroker, "kafka-broker", "", "Kafka broker for audit events (empty = disabled)")
	rootCmd.Flags().StringVar(&kafkaTopic, "kafka-topic", "vestring_events", "Kafka topic for audit events")
	rootCmd.Flags().Int64Var(&supply, "supply", 1_000_000, "Token float minted to the demo account")

	initConfig(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// initConfig layers an optional config file under the flags, so a
// ~/.vestnode/config.yaml can carry the database and broker settings.
func initConfig(cmd *cobra.Command) {
	var config = viper.New()
	config.SetConfigType("yaml")
	config.SetConfigName("config")

	if homeDir, err := os.UserHomeDir(); err == nil {
		config.AddConfigPath(homeDir + "/.vestnode")
	}
	config.AddConfigPath(".")

	config.SetDefault("ledger_id", "demo_ledger")
	config.SetDefault("db", "")
	config.SetDefault("kafka_broker", "")
	config.SetDefault("kafka_topic", "vestring_events")
	config.SetDefault("supply", int64(1_000_000))

	if err := config.ReadInConfig(); err == nil {
		if !cmd.Flags().Changed("ledger-id") {
			ledgerID = config.GetString("ledger_id")
		}
		if !cmd.Flags().Changed("db") {
			dbURL = config.GetString("db")
		}
		if !cmd.Flags().Changed("kafka-broker") {
			kafkaBroker = config.GetString("kafka_broker")
		}
		if !cmd.Flags().Changed("kafka-topic") {
			kafkaTopic = config.GetString("kafka_topic")
		}
		if !cmd.Flags().Changed("supply") {
			supply = config.GetInt64("supply")
		}
	}
}

func runNode(cmd *cobra.Command, args []string) error {
	var (
		ctx      = context.Background()
		db       *sql.DB
		err      error
		token    = vestring.NewMemoryTokenLedger()
		registry = vestring.NewMemoryOwnerRegistry()
		custody  = "custody:" + ledgerID
		options  = []vestring.Option{
			vestring.WithCustodyAccount(custody),
			vestring.WithLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelWarn,
			}))),
		}
	)

	if dbURL != "" {
		fmt.Printf("Connecting to database...\n")
		db, err = sql.Open("postgres", dbURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()

		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("failed to ping database: %w", err)
		}
	}

	if kafkaBroker != "" {
		fmt.Printf("Connecting to Kafka...\n")
		publisher, pubErr := stream.NewPublisher(kafkaBroker, kafkaTopic)
		if pubErr != nil {
			return fmt.Errorf("failed to connect to kafka: %w", pubErr)
		}
		defer publisher.Close(5000)
		options = append(options, vestring.WithEventSink(publisher))
	}

	// Fund the demo account and let the ledger pull from it
	token.Mint(demoAccount, big.NewInt(supply))
	token.Approve(demoAccount, custody, big.NewInt(supply))

	var ledger = vestring.NewLedger(db, ledgerID, token, registry, options...)
	if err := ledger.Start(ctx); err != nil {
		return fmt.Errorf("failed to start ledger: %w", err)
	}

	fmt.Printf("✓ Ledger '%s' is running\n\n", ledgerID)
	printStatus(ledger, token)

	var ticker = time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	var sigCh = make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	if err := keyboard.Open(); err != nil {
		return fmt.Errorf("failed to initialize keyboard: %w", err)
	}
	defer keyboard.Close()

	var keyCh = make(chan rune)
	go func() {
		for {
			char, _, err := keyboard.GetKey()
			if err != nil {
				return
			}
			keyCh <- char
		}
	}()

	for {
		select {
		case <-ticker.C:
			printStatus(ledger, token)
		case key := <-keyCh:
			handleKey(ctx, key, ledger)
			if key == 'q' || key == 'Q' {
				fmt.Printf("\nShutting down...\n")
				if err := ledger.Stop(ctx); err != nil {
					return fmt.Errorf("failed to stop ledger: %w", err)
				}
				return nil
			}
			printStatus(ledger, token)
		case <-sigCh:
			fmt.Printf("\nShutting down...\n")
			return ledger.Stop(ctx)
		}
	}
}

// handleKey runs one demo operation against the first live position.
func handleKey(ctx context.Context, key rune, ledger *vestring.Ledger) {
	var now = uint64(time.Now().Unix())

	switch key {
	case 'c', 'C':
		// A fresh position: 1000 tokens vesting over the next 60s
		id, err := ledger.Create(ctx, demoAccount, now, 60, big.NewInt(1000))
		report(err, "created position #%d", id)
	case 'r', 'R':
		var id, ok = firstPosition(ledger)
		if !ok {
			return
		}
		amount, err := ledger.Release(ctx, demoAccount, id)
		report(err, "released %s from #%d", amount, id)
	case 'd', 'D':
		var id, ok = firstPosition(ledger)
		if !ok {
			return
		}
		position, err := ledger.GetPosition(id)
		if err != nil {
			report(err, "")
			return
		}
		// Three intervals: now to end, then two 30s extensions
		var end = position.EndTime()
		if end <= now {
			end = now + 30
		}
		children, err := ledger.SplitByDates(ctx, demoAccount, id, []vestring.Date{
			vestring.CurrentTime(),
			vestring.At(end),
			vestring.At(end + 30),
			vestring.At(end + 60),
		})
		report(err, "split #%d by dates into %v", id, children)
	case 's', 'S':
		var id, ok = firstPosition(ledger)
		if !ok {
			return
		}
		children, err := ledger.SplitByShares(ctx, demoAccount, id, []uint64{1, 1, 2})
		report(err, "split #%d by shares into %v", id, children)
	case 'x', 'X':
		var id, ok = firstPosition(ledger)
		if !ok {
			return
		}
		position, err := ledger.GetPosition(id)
		if err != nil {
			report(err, "")
			return
		}
		err = ledger.SetEndDate(ctx, demoAccount, id, position.EndTime()+30)
		report(err, "extended #%d by 30s", id)
	}
}

func firstPosition(ledger *vestring.Ledger) (uint64, bool) {
	var positions = ledger.LivePositions()
	if len(positions) == 0 {
		fmt.Fprintf(os.Stderr, "no live positions\n")
		return 0, false
	}
	return positions[0].ID, true
}

func report(err error, format string, args ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "✗ %v\n", err)
		return
	}
	if format != "" {
		fmt.Fprintf(os.Stderr, "✓ "+format+"\n", args...)
	}
}

func printStatus(ledger *vestring.Ledger, token *vestring.MemoryTokenLedger) {
	fmt.Print("\033[2J\033[H") // Clear screen and move cursor to top
	fmt.Println(ledger.String())
	fmt.Printf("Demo account balance: %s\n", token.BalanceOf(demoAccount))

	fmt.Printf("\nControls:\n")
	fmt.Printf("  [c] Create position (1000 tokens over 60s)\n")
	fmt.Printf("  [r] Release claimable on first position\n")
	fmt.Printf("  [d] Split first position by dates\n")
	fmt.Printf("  [s] Split first position by shares 1:1:2\n")
	fmt.Printf("  [x] Extend first position by 30s\n")
	fmt.Printf("  [q] Quit\n")
}
