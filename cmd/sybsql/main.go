// Command sybsql is an interactive SQL shell for Sybase ASE family
// servers, speaking TDS 5.0 through the sybtds client.
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"golang.org/x/term"

	"github.com/ha1tch/sybtds/client"
	"github.com/ha1tch/sybtds/config"
	pkgerrors "github.com/ha1tch/sybtds/pkg/errors"
	"github.com/ha1tch/sybtds/pkg/log"
	"github.com/ha1tch/sybtds/pkg/version"
)

// ANSI colour codes
var (
	colReset  string
	colBold   string
	colDim    string
	colRed    string
	colGreen  string
	colCyan   string
	useColour bool
)

// initColour detects terminal colour support or applies forced setting
func initColour(forceColour, noColour bool) {
	if noColour {
		useColour = false
	} else if forceColour {
		useColour = true
	} else {
		useColour = term.IsTerminal(int(os.Stdout.Fd()))

		if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
			useColour = false
		}
		if os.Getenv("FORCE_COLOR") != "" || os.Getenv("CLICOLOR_FORCE") != "" {
			useColour = true
		}
	}

	if useColour {
		colReset = "\033[0m"
		colBold = "\033[1m"
		colDim = "\033[2m"
		colRed = "\033[31m"
		colGreen = "\033[32m"
		colCyan = "\033[36m"
	} else {
		colReset = ""
		colBold = ""
		colDim = ""
		colRed = ""
		colGreen = ""
		colCyan = ""
	}
}

// Display format types
type DisplayFormat int

const (
	FormatDefault DisplayFormat = iota // Simple tabular
	FormatCSV                          // CSV output
)

var (
	displayFormat DisplayFormat
	showTiming    = true
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		cfgPath     = flag.String("config", "", "Path to YAML config file")
		host        = flag.String("host", "", "Server host")
		port        = flag.Int("port", 0, "Server port")
		user        = flag.String("user", "", "Login user")
		password    = flag.String("password", "", "Login password")
		database    = flag.String("database", "", "Database to use after login")
		charset     = flag.String("charset", "", "Wire charset (default iso_1)")
		packetSize  = flag.Int("packet-size", 0, "TDS packet size, 0 lets the server choose")
		histFile    = flag.String("history", "", "History file path (default: ~/.sybsql_history)")
		forceColour = flag.Bool("color", false, "Force colour output")
		noColour    = flag.Bool("no-color", false, "Disable colour output")
		execSQL     = flag.String("e", "", "Execute SQL statement(s) and exit")
		logLevel    = flag.String("log-level", "", "Log level: debug, info, warn, error, off")
		watchCfg    = flag.Bool("watch-config", false, "Reload the config file when it changes")
		showVer     = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *showVer {
		fmt.Println(version.Full())
		return 0
	}

	initColour(*forceColour, *noColour)

	cfg := config.DefaultConfig()
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%sConfig error: %v%s\n", colRed, err, colReset)
			return 1
		}
		cfg = loaded
	}
	applyFlags(cfg, *host, *port, *user, *password, *database, *charset, *packetSize)
	cfg.SetDefaults()

	logger := buildLogger(cfg, *logLevel)
	log.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%sConfig error: %v%s\n", colRed, err, colReset)
		return 1
	}

	if *watchCfg && *cfgPath != "" {
		w, err := config.NewWatcher(*cfgPath, logger,
			config.WithOnReload(func(next *config.Config) {
				*cfg = *next
				fmt.Printf("%sconfig reloaded, applies on next reconnect%s\n", colDim, colReset)
			}),
		)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%sWatcher error: %v%s\n", colRed, err, colReset)
			return 1
		}
		if err := w.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "%sWatcher error: %v%s\n", colRed, err, colReset)
			return 1
		}
		defer w.Stop()
	}

	connectStart := time.Now()
	conn, err := client.Connect(cfg, client.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%sConnection failed: %v%s\n", colRed, err, colReset)
		return 1
	}
	defer conn.Disconnect(2 * time.Second)

	fmt.Printf("Connected to %s (%s, packet size %d) in %.2fms\n",
		cfg.Addr(), conn.ServerName(), conn.PacketSize(),
		float64(time.Since(connectStart).Microseconds())/1000)

	if *execSQL != "" {
		return executeScript(conn, cfg, *execSQL)
	}

	return runCLI(conn, cfg, *histFile)
}

// applyFlags overlays command line settings onto the config.
func applyFlags(cfg *config.Config, host string, port int, user, password, database, charset string, packetSize int) {
	if host != "" {
		cfg.Host = host
	}
	if port != 0 {
		cfg.Port = port
	}
	if user != "" {
		cfg.User = user
	}
	if password != "" {
		cfg.Password = password
	}
	if database != "" {
		cfg.Database = database
	}
	if charset != "" {
		cfg.Charset = charset
	}
	if packetSize != 0 {
		cfg.PacketSize = packetSize
	}
}

// buildLogger assembles the logger from config plus CLI override.
func buildLogger(cfg *config.Config, override string) *log.Logger {
	levelStr := cfg.Logging.Level
	if override != "" {
		levelStr = override
	}
	level, err := log.ParseLevel(levelStr)
	if err != nil {
		level = log.LevelInfo
	}

	lc := log.DefaultConfig()
	lc.DefaultLevel = level
	if strings.EqualFold(cfg.Logging.Format, "json") {
		lc.Format = log.FormatJSON
	}
	lc.CategoryLevels = make(map[log.Category]log.Level)
	for cat, lv := range cfg.Logging.Categories {
		parsed, err := log.ParseLevel(lv)
		if err != nil {
			continue
		}
		lc.CategoryLevels[log.Category(cat)] = parsed
	}
	return log.New(lc)
}

// executeScript runs semicolon-free batches split on GO lines.
func executeScript(conn *client.Conn, cfg *config.Config, script string) int {
	exitCode := 0
	for _, batch := range splitBatches(script) {
		batch = strings.TrimSpace(batch)
		if batch == "" {
			continue
		}
		if !executeAndPrint(conn, cfg, batch) {
			exitCode = 1
		}
	}
	return exitCode
}

// splitBatches splits a SQL script on GO statements
func splitBatches(script string) []string {
	var batches []string
	var current strings.Builder

	for _, line := range strings.Split(script, "\n") {
		if strings.EqualFold(strings.TrimSpace(line), "GO") {
			if current.Len() > 0 {
				batches = append(batches, current.String())
				current.Reset()
			}
		} else {
			current.WriteString(line)
			current.WriteString("\n")
		}
	}
	if current.Len() > 0 {
		batches = append(batches, current.String())
	}
	return batches
}

func runCLI(conn *client.Conn, cfg *config.Config, histFile string) int {
	if histFile == "" {
		if home, err := os.UserHomeDir(); err == nil {
			histFile = filepath.Join(home, ".sybsql_history")
		}
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            colGreen + "sql>" + colReset + " ",
		HistoryFile:       histFile,
		HistoryLimit:      500,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%sFailed to initialize readline: %v%s\n", colRed, err, colReset)
		return 1
	}
	defer rl.Close()

	printHelp()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				fmt.Println("\nGoodbye!")
				return 0
			}
			return 1
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		switch {
		case equalsAny(input, "exit", "quit", "q", "\\q"):
			fmt.Println("Goodbye!")
			return 0

		case equalsAny(input, "help", "h", "?", "\\?"):
			printHelp()

		case equalsAny(input, "\\timing", "\\t"):
			showTiming = !showTiming
			if showTiming {
				fmt.Println("Timing is on.")
			} else {
				fmt.Println("Timing is off.")
			}

		case input == "format":
			if displayFormat == FormatCSV {
				fmt.Println("Format: csv")
			} else {
				fmt.Println("Format: default")
			}

		case input == "format default":
			displayFormat = FormatDefault

		case input == "format csv":
			displayFormat = FormatCSV

		case equalsAny(input, "\\env", "env"):
			printEnvironment(conn)

		case equalsAny(input, "\\reconnect", "reconnect"):
			if err := conn.Reconnect(); err != nil {
				printError(err)
			} else {
				fmt.Printf("Reconnected to %s (packet size %d)\n", cfg.Addr(), conn.PacketSize())
			}

		case strings.HasPrefix(input, "\\prepare "):
			handlePrepare(conn, input[len("\\prepare "):])

		case strings.HasPrefix(input, "\\exec "):
			handleExec(conn, input[len("\\exec "):])

		default:
			executeAndPrint(conn, cfg, input)
		}
	}
}

func equalsAny(s string, opts ...string) bool {
	for _, o := range opts {
		if strings.EqualFold(s, o) {
			return true
		}
	}
	return false
}

// handlePrepare parses "\prepare <id> <sql>".
func handlePrepare(conn *client.Conn, rest string) {
	parts := strings.SplitN(strings.TrimSpace(rest), " ", 2)
	if len(parts) != 2 {
		fmt.Printf("%sUsage: \\prepare <id> <sql>%s\n", colDim, colReset)
		return
	}
	if err := conn.Prepare(parts[0], parts[1], 0); err != nil {
		printError(err)
		return
	}
	fmt.Printf("Prepared %s%s%s\n", colBold, parts[0], colReset)
}

// handleExec parses "\exec <id> [arg ...]". Arguments are parsed as
// integers, floats or quoted/bare strings.
func handleExec(conn *client.Conn, rest string) {
	fields := strings.Fields(strings.TrimSpace(rest))
	if len(fields) == 0 {
		fmt.Printf("%sUsage: \\exec <id> [args...]%s\n", colDim, colReset)
		return
	}
	id := fields[0]
	args := make([]any, 0, len(fields)-1)
	for _, f := range fields[1:] {
		args = append(args, parseArg(f))
	}

	start := time.Now()
	results, err := conn.Execute(id, args, 0)
	if err != nil {
		printError(err)
		return
	}
	printResults(results, time.Since(start))
}

func parseArg(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return strings.Trim(s, `'"`)
}

// executeAndPrint runs one batch and renders its results.
// Returns true on success, false on error.
func executeAndPrint(conn *client.Conn, cfg *config.Config, sql string) bool {
	start := time.Now()
	results, err := conn.Query(sql, cfg.QueryTimeout)
	if err != nil {
		printError(err)
		return false
	}
	printResults(results, time.Since(start))
	return true
}

func printError(err error) {
	if remote, ok := pkgerrors.AsRemote(err); ok {
		fmt.Fprintf(os.Stderr, "%sServer error %d: %s%s\n", colRed, remote.Number, strings.TrimSpace(remote.Text), colReset)
		return
	}
	fmt.Fprintf(os.Stderr, "%sError: %v%s\n", colRed, err, colReset)
}

func printResults(results []client.Result, elapsed time.Duration) {
	for _, r := range results {
		switch res := r.(type) {
		case client.AffectedRows:
			fmt.Printf("%s(%d row(s) affected)%s\n", colDim, res.Count, colReset)
		case *client.ResultSet:
			printResultSet(res)
		case *client.ProcedureResult:
			fmt.Printf("%sreturn status = %d%s\n", colCyan, res.Status, colReset)
			for i, p := range res.Params {
				fmt.Printf("  out[%d] = %v\n", i, p)
			}
		}
	}
	if showTiming {
		fmt.Printf("%s(%.2fms)%s\n", colDim, float64(elapsed.Microseconds())/1000, colReset)
	}
}

func printResultSet(rs *client.ResultSet) {
	if displayFormat == FormatCSV {
		w := csv.NewWriter(os.Stdout)
		w.Write(rs.Columns)
		for _, row := range rs.Rows {
			rec := make([]string, len(row))
			for i, v := range row {
				rec[i] = formatValue(v)
			}
			w.Write(rec)
		}
		w.Flush()
		return
	}

	widths := make([]int, len(rs.Columns))
	for i, c := range rs.Columns {
		widths[i] = len(c)
	}
	cells := make([][]string, len(rs.Rows))
	for ri, row := range rs.Rows {
		cells[ri] = make([]string, len(row))
		for ci, v := range row {
			s := formatValue(v)
			cells[ri][ci] = s
			if ci < len(widths) && len(s) > widths[ci] {
				widths[ci] = len(s)
			}
		}
	}

	for i, c := range rs.Columns {
		fmt.Printf("%s%-*s%s  ", colBold, widths[i], c, colReset)
	}
	fmt.Println()
	for i := range rs.Columns {
		fmt.Printf("%s  ", strings.Repeat("-", widths[i]))
	}
	fmt.Println()
	for _, row := range cells {
		for ci, s := range row {
			w := 0
			if ci < len(widths) {
				w = widths[ci]
			}
			fmt.Printf("%-*s  ", w, s)
		}
		fmt.Println()
	}
	fmt.Printf("%s(%d row(s))%s\n", colDim, len(rs.Rows), colReset)
}

func formatValue(v any) string {
	if v == nil {
		return "NULL"
	}
	if t, ok := v.(time.Time); ok {
		return t.Format("2006-01-02 15:04:05")
	}
	return fmt.Sprintf("%v", v)
}

func printEnvironment(conn *client.Conn) {
	env := conn.Environment()
	for _, k := range env.Keys() {
		if k == client.EnvPassword {
			continue
		}
		v, _ := env.Get(k)
		fmt.Printf("%s%-12s%s %s\n", colCyan, k, colReset, v)
	}
}

func printHelp() {
	fmt.Printf(`%sCommands:%s
  help, ?              Show this help
  exit, quit           Leave the shell
  \env                 Show the session environment
  \reconnect           Drop and re-establish the connection
  \prepare <id> <sql>  Prepare a statement (use ? placeholders)
  \exec <id> [args]    Execute a prepared statement
  \timing              Toggle query timing
  format [default|csv] Set result display format

Anything else is sent to the server as SQL.
`, colBold, colReset)
}
