// Worker executable for the opsloop workflow engine.
//
// This starts a Temporal worker that executes workflow executions and
// their state-command/persistence activities.
package main

import (
	"flag"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/opsloop/opsloop/internal/metrics"
	"github.com/opsloop/opsloop/internal/models"
	"github.com/opsloop/opsloop/internal/temporalclient"
	"github.com/opsloop/opsloop/internal/version"
	"github.com/opsloop/opsloop/internal/workflow"
)

func main() {
	var (
		storePath   = flag.String("store", "opsloop-store.json", "path to the workflow persistence file")
		taskQueue   = flag.String("task-queue", workflow.DefaultTaskQueue, "Temporal task queue to poll")
		hostPort    = flag.String("temporal", "", "Temporal server host:port (overrides env config)")
		namespace   = flag.String("namespace", "", "Temporal namespace (overrides env config)")
		metricsAddr = flag.String("metrics-addr", ":9090", "address to serve Prometheus metrics on (empty disables)")
	)
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.WithField("commit", version.GitCommit).Info("starting opsloop worker")

	opts, err := temporalclient.LoadClientOptions(*hostPort, *namespace)
	if err != nil {
		log.WithError(err).Fatal("failed to load Temporal client options")
	}
	c, err := client.Dial(opts)
	if err != nil {
		log.WithError(err).Fatal("failed to create Temporal client")
	}
	defer c.Close()

	persist, err := workflow.NewPersistence(*storePath)
	if err != nil {
		log.WithError(err).Fatal("failed to open persistence store")
	}

	m := metrics.New(prometheus.NewRegistry())
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.WithError(err).Error("metrics listener stopped")
			}
		}()
	}

	streams := workflow.NewOutputStreamManager(func(executionID string, chunks []models.OutputChunk) {
		if err := persist.AppendOutputChunks(executionID, chunks); err != nil {
			log.WithError(err).WithField("execution_id", executionID).Error("failed to persist output chunks")
			return
		}
		m.OutputChunks.Add(float64(len(chunks)))
	})

	executor := workflow.NewBashExecutor(streams)
	approvals := workflow.NewApprovalManager(persist)
	activities := workflow.NewStateActivities(executor, persist, approvals, m)

	w := worker.New(c, *taskQueue, worker.Options{})
	w.RegisterWorkflow(workflow.ExecutionWorkflow)
	w.RegisterActivity(activities)

	log.WithField("task_queue", *taskQueue).Info("worker polling")
	if err := w.Run(worker.InterruptCh()); err != nil {
		log.WithError(err).Fatal("worker stopped with error")
	}
	log.Info("worker stopped")
}
