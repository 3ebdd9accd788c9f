package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"scribe.town/agent"
	"scribe.town/relay"
	"scribe.town/session"
	"scribe.town/stt"
	"scribe.town/worker"
)

var logger *log.Logger

const defaultLeaveMs = 300000

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(listSessionsCmd)

	listSessionsCmd.Flags().
		String("relay", "http://localhost:8080", "Base URL of a running relay")

	// Add persistent flags
	rootCmd.PersistentFlags().
		String("deepgram-api-key", "", "Deepgram API key")
	rootCmd.PersistentFlags().Int("http-port", 8080, "HTTP server port")
	rootCmd.PersistentFlags().
		String("intake-host", "", "Host workers use to reach the audio intake socket")
	rootCmd.PersistentFlags().
		String("worker-image", "", "Docker image to run as the meeting bot")
	rootCmd.PersistentFlags().
		String("worker-command", "", "Command to run as the meeting bot instead of Docker")
	rootCmd.PersistentFlags().
		String("api-token", "", "Token handed to workers for the intake socket")

	// Bind flags to viper
	viper.BindPFlag(
		"deepgram_api_key",
		rootCmd.PersistentFlags().Lookup("deepgram-api-key"),
	)
	viper.BindPFlag("http_port", rootCmd.PersistentFlags().Lookup("http-port"))
	viper.BindPFlag(
		"intake_host",
		rootCmd.PersistentFlags().Lookup("intake-host"),
	)
	viper.BindPFlag(
		"worker_image",
		rootCmd.PersistentFlags().Lookup("worker-image"),
	)
	viper.BindPFlag(
		"worker_command",
		rootCmd.PersistentFlags().Lookup("worker-command"),
	)
	viper.BindPFlag("api_token", rootCmd.PersistentFlags().Lookup("api-token"))
}

func initConfig() {
	_ = godotenv.Load()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	logger = log.New(os.Stderr)
}

var rootCmd = &cobra.Command{
	Use:   "scribe",
	Short: "Scribe relays meeting audio to live transcripts",
	Long:  `Scribe sends a bot into a meeting, streams its audio through a speech recognition backend, and fans the transcript out to clients over a live event stream.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the transcription relay service",
	Run:   runServe,
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the worker-side audio agent",
	Long:  `Run the audio agent inside a worker process. Configuration comes from the BOT_CONFIG environment variable set by the launcher.`,
	Run:   runAgent,
}

var listSessionsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List active sessions in a cool table",
	Long:  `List the sessions of a running relay with their details in a formatted table`,
	Run:   runListSessions,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) {
	mainLogger, httpLogger, botLogger, hearLogger := createLoggers()

	apiKey := viper.GetString("deepgram_api_key")
	if apiKey == "" {
		mainLogger.Fatal("missing DEEPGRAM_API_KEY or --deepgram-api-key=")
	}

	port := viper.GetInt("http_port")
	intakeHost := viper.GetString("intake_host")
	if intakeHost == "" {
		intakeHost = fmt.Sprintf("localhost:%d", port)
	}

	registry := session.NewRegistry(mainLogger)
	initiator := &session.Initiator{
		Registry:  registry,
		IntakeURL: fmt.Sprintf("ws://%s/ws/bot-audio-intake", intakeHost),
		Token:     viper.GetString("api_token"),
		Leave: worker.LeaveTimeouts{
			WaitingRoomTimeout:  defaultLeaveMs,
			NoOneJoinedTimeout:  defaultLeaveMs,
			EveryoneLeftTimeout: defaultLeaveMs,
		},
	}
	launcher := worker.NewLauncher(
		botLogger,
		viper.GetString("worker_image"),
		viper.GetString("worker_command"),
		worker.DefaultGracePeriod,
	)
	server := relay.NewServer(
		httpLogger,
		hearLogger,
		registry,
		initiator,
		launcher,
		stt.Options{APIKey: apiKey},
	)

	r := chi.NewRouter()
	server.Routes(r)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	go func() {
		mainLogger.Info("relay listening", "port", port)
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			mainLogger.Fatal("http server", "error", err.Error())
		}
	}()

	<-ctx.Done()
	mainLogger.Info("shutting down, stopping sessions")
	server.CleanupAll()

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		mainLogger.Error("http shutdown", "error", err.Error())
	}
}

func runAgent(cmd *cobra.Command, args []string) {
	report := agent.NewReporter(os.Stdout)

	cfg, err := worker.ConfigFromEnv()
	if err != nil {
		report.Error("invalid bot configuration: %v", err)
		os.Exit(1)
	}

	surface, err := agent.NewSurface(cfg.Platform)
	if err != nil {
		report.Error("cannot run on this platform: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	if err := agent.New(cfg, surface, report).Run(ctx); err != nil {
		os.Exit(1)
	}
}

func runListSessions(cmd *cobra.Command, args []string) {
	mainLogger, _, _, _ := createLoggers()

	base, _ := cmd.Flags().GetString("relay")
	resp, err := http.Get(base + "/api/sessions")
	if err != nil {
		mainLogger.Fatal("fetch sessions", "error", err.Error())
	}
	defer resp.Body.Close()

	var sessions []struct {
		ConnectionID    string    `json:"connectionId"`
		NativeMeetingID string    `json:"nativeMeetingId"`
		BotName         string    `json:"botName"`
		CreatedAt       time.Time `json:"createdAt"`
		WorkerAlive     bool      `json:"workerAlive"`
		ClientAttached  bool      `json:"clientAttached"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		mainLogger.Fatal("decode sessions", "error", err.Error())
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions found.")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Created At", "Meeting", "Bot", "Worker", "Client"})
	table.SetBorder(false)
	table.SetCenterSeparator("|")
	table.SetColumnSeparator("|")
	table.SetRowSeparator("-")
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)

	for _, s := range sessions {
		workerState := "exited"
		if s.WorkerAlive {
			workerState = "running"
		}
		client := "-"
		if s.ClientAttached {
			client = "attached"
		}

		table.Append([]string{
			s.ConnectionID,
			s.CreatedAt.Format("2006-01-02 15:04:05"),
			s.NativeMeetingID,
			s.BotName,
			workerState,
			client,
		})
	}

	table.Render()
}

func createLoggers() (mainLogger, httpLogger, botLogger, hearLogger *log.Logger) {
	logLevel := log.DebugLevel

	logger.SetLevel(logLevel)
	logger.SetReportCaller(true)
	logger.SetCallerFormatter(
		func(file string, line int, funcName string) string {
			path, err := filepath.Rel(".", file)
			if err != nil {
				path = file
			}
			return fmt.Sprintf("%s:%d", path, line)
		},
	)

	styles := log.DefaultStyles()
	styles.Prefix = styles.Prefix.MarginTop(1).
		Bold(false).Transform(func(s string) string {
		return strings.TrimSuffix(s, ":")
	})
	styles.Levels[log.InfoLevel] = styles.Levels[log.InfoLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Levels[log.ErrorLevel] = styles.Levels[log.ErrorLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false).
		Foreground(lipgloss.Color("#ff8800"))

	logger.SetStyles(styles)

	mainLogger = logger.With().WithPrefix("main")
	httpLogger = logger.With().WithPrefix("http")
	botLogger = logger.With().WithPrefix("bot")
	hearLogger = logger.With().WithPrefix("hear")

	return
}
