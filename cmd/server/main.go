// Server executable for the opsloop hub: the HTTP/WebSocket surface, the
// broadcast fan-out, notification bridges, and the workflow facade.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.temporal.io/sdk/client"

	"github.com/opsloop/opsloop/internal/broadcast"
	"github.com/opsloop/opsloop/internal/channel"
	"github.com/opsloop/opsloop/internal/metrics"
	"github.com/opsloop/opsloop/internal/models"
	"github.com/opsloop/opsloop/internal/providers"
	"github.com/opsloop/opsloop/internal/server"
	"github.com/opsloop/opsloop/internal/temporalclient"
	"github.com/opsloop/opsloop/internal/version"
	"github.com/opsloop/opsloop/internal/workflow"
)

func main() {
	var (
		configPath   = flag.String("config", "opsloop.toml", "path to the TOML configuration file")
		storePath    = flag.String("store", "opsloop-store.json", "path to the workflow persistence file")
		taskQueue    = flag.String("task-queue", workflow.DefaultTaskQueue, "Temporal task queue executions are started on")
		hostPort     = flag.String("temporal", "", "Temporal server host:port (overrides env config)")
		namespace    = flag.String("namespace", "", "Temporal namespace (overrides env config)")
		definitions  = flag.String("definitions", "", "directory of workflow definition YAML files to register at startup")
		telegramChat = flag.String("telegram-chat", "", "Telegram chat id for the notification bridge")
		slackToken   = flag.String("slack-token", "", "Slack bot token for the notification bridge")
		slackChannel = flag.String("slack-channel", "", "Slack channel id for the notification bridge")
	)
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := models.LoadConfiguration(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if problems := cfg.Validate(); len(problems) > 0 {
		log.WithField("problems", problems).Fatal("invalid configuration")
	}
	applyLogLevel(log, cfg.LogLevel)
	log.WithField("commit", version.GitCommit).Info("starting opsloop server")

	persist, err := workflow.NewPersistence(*storePath)
	if err != nil {
		log.WithError(err).Fatal("failed to open persistence store")
	}
	if *definitions != "" {
		registerDefinitions(log, persist, *definitions)
	}

	m := metrics.New(prometheus.NewRegistry())
	queue := channel.NewMessageQueue(0)
	hub := broadcast.NewManager(queue, logrus.NewEntry(log)).WithMetrics(m)
	registry := providers.NewPendingPromptRegistry()

	if token := os.Getenv("AILOOP_TELEGRAM_BOT_TOKEN"); token != "" && *telegramChat != "" {
		hub.RegisterSink(providers.NewTelegramSink(token, *telegramChat))
		startReplyPump(log, registry, providers.NewTelegramReplySource(token))
		log.Info("telegram bridge registered")
	}
	if *slackToken != "" && *slackChannel != "" {
		hub.RegisterSink(providers.NewSlackSink(*slackToken, *slackChannel))
		startReplyPump(log, registry, providers.NewSlackReplySource(*slackToken, *slackChannel))
		log.Info("slack bridge registered")
	}

	opts, err := temporalclient.LoadClientOptions(*hostPort, *namespace)
	if err != nil {
		log.WithError(err).Fatal("failed to load Temporal client options")
	}
	temporal, err := client.Dial(opts)
	if err != nil {
		log.WithError(err).Fatal("failed to create Temporal client")
	}
	defer temporal.Close()

	streams := workflow.NewOutputStreamManager(func(executionID string, chunks []models.OutputChunk) {
		if err := persist.AppendOutputChunks(executionID, chunks); err != nil {
			log.WithError(err).WithField("execution_id", executionID).Error("failed to persist output chunks")
			return
		}
		m.OutputChunks.Add(float64(len(chunks)))
	})
	approvals := workflow.NewApprovalManager(persist)
	orch := workflow.NewOrchestrator(temporal, persist, approvals, streams, m, *taskQueue, logrus.NewEntry(log))

	srv := server.New(hub, registry, orch, m, logrus.NewEntry(log))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort)
	if err := srv.ListenAndServe(ctx, addr); err != nil {
		log.WithError(err).Fatal("server stopped with error")
	}
	log.Info("server stopped")
}

// applyLogLevel maps the configured verbosity onto logrus.
func applyLogLevel(log *logrus.Logger, level models.LogLevel) {
	switch level {
	case models.LogLevelError:
		log.SetLevel(logrus.ErrorLevel)
	case models.LogLevelWarn:
		log.SetLevel(logrus.WarnLevel)
	case models.LogLevelDebug:
		log.SetLevel(logrus.DebugLevel)
	case models.LogLevelTrace:
		log.SetLevel(logrus.TraceLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}
}

// registerDefinitions loads every YAML file in dir, skipping (and logging)
// the ones that fail structural validation.
func registerDefinitions(log *logrus.Logger, persist *workflow.Persistence, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.WithError(err).Fatal("failed to read definitions directory")
	}
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		def, err := workflow.LoadDefinition(path)
		if err != nil {
			log.WithError(err).WithField("path", path).Error("failed to load definition")
			continue
		}
		if problems := workflow.ValidateDefinition(def); len(problems) > 0 {
			log.WithFields(logrus.Fields{"path": path, "problems": problems}).Error("invalid definition skipped")
			continue
		}
		if err := persist.SaveDefinition(def); err != nil {
			log.WithError(err).WithField("path", path).Error("failed to register definition")
			continue
		}
		log.WithField("workflow", def.Name).Info("definition registered")
	}
}

// startReplyPump polls source on an interval and feeds every reply into
// the pending-prompt registry. Bridges without explicit classification get
// their response type inferred from the answer text.
func startReplyPump(log *logrus.Logger, registry *providers.PendingPromptRegistry, source providers.ReplySource) {
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			replies, err := source.Poll(ctx)
			cancel()
			if err != nil {
				log.WithError(err).WithField("source", source.Name()).Warn("reply poll failed")
				continue
			}
			for _, reply := range replies {
				var matched bool
				if reply.ResponseType != nil {
					answer := reply.Answer
					matched = registry.SubmitReply(reply.ReplyToID, &answer, *reply.ResponseType)
				} else {
					matched = registry.SubmitReplyAuto(reply.ReplyToID, reply.Answer)
				}
				if !matched {
					log.WithField("source", source.Name()).Debug("reply matched no pending prompt")
				}
			}
		}
	}()
}
