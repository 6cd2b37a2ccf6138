package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bililive-go/segcast/src/cmd/segcast/internal/flag"
	"github.com/bililive-go/segcast/src/configs"
	"github.com/bililive-go/segcast/src/consts"
	"github.com/bililive-go/segcast/src/log"
	"github.com/bililive-go/segcast/src/media"
	"github.com/bililive-go/segcast/src/metrics"
	"github.com/bililive-go/segcast/src/pipeline"
	"github.com/bililive-go/segcast/src/pipeline/stages"
	"github.com/bililive-go/segcast/src/pkg/memstats"
	"github.com/bililive-go/segcast/src/pkg/openlist"
	"github.com/bililive-go/segcast/src/pkg/preview"
	bilisentry "github.com/bililive-go/segcast/src/pkg/sentry"
	"github.com/bililive-go/segcast/src/servers"
	"github.com/bililive-go/segcast/src/store"
)

const clockInterval = 10 * time.Second

func getConfig() (*configs.Config, error) {
	var config *configs.Config
	if *flag.Conf != "" {
		c, err := configs.NewConfigWithFile(*flag.Conf)
		if err != nil {
			return nil, err
		}
		config = c
	} else if c, err := getConfigBesidesExecutable(); err == nil {
		config = c
	} else {
		config = flag.GenConfigFromFlags()
	}
	if err := config.LoadEnv(*flag.EnvFile); err != nil {
		return nil, err
	}
	flag.ApplyOverrides(config)
	return config, config.Verify()
}

func getConfigBesidesExecutable() (*configs.Config, error) {
	exePath, err := os.Executable()
	if err != nil {
		return nil, err
	}
	return configs.NewConfigWithFile(filepath.Join(filepath.Dir(exePath), "config.yml"))
}

func main() {
	// 程序退出时刷新 Sentry 事件队列
	defer bilisentry.Flush(2 * time.Second)
	defer bilisentry.Recover()

	cmd := flag.Parse(os.Args[1:])

	config, err := getConfig()
	flag.ExitOnError(err)
	configs.SetCurrentConfig(config)

	logger, closer, err := log.New(config)
	flag.ExitOnError(err)
	defer closer.Close()

	if config.Sentry.Enable {
		if err := bilisentry.Init(bilisentry.Options{
			DSN:         config.Sentry.DSN,
			Environment: config.Sentry.Environment,
			Release:     consts.Release(),
			DataDir:     config.AppDataPath,
		}); err != nil {
			logger.WithError(err).Warn("failed to init sentry")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case flag.RunCmd.FullCommand():
		err = runFiles(ctx, config, logger)
	case flag.RunsCmd.FullCommand():
		err = listRuns(ctx, config)
	case flag.ProbeCmd.FullCommand():
		err = probe(ctx, config)
	}
	if err != nil {
		logger.WithError(err).Error("command failed")
		bilisentry.Flush(2 * time.Second)
		closer.Close()
		os.Exit(1)
	}
}

func runFiles(ctx context.Context, cfg *configs.Config, logger *logrus.Logger) error {
	if d := flag.Deadline(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	st, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if n, err := st.ResetRunningRuns(ctx); err != nil {
		logger.WithError(err).Warn("failed to reset interrupted runs")
	} else if n > 0 {
		logger.Infof("marked %d interrupted runs as failed", n)
	}

	tools, err := stages.ResolveTools(cfg)
	if err != nil {
		return err
	}
	collab, err := stages.Build(ctx, cfg, tools, logger)
	if err != nil {
		return err
	}

	m := metrics.New()
	opts := stages.Options(cfg, logger)
	opts.OnUploaded = func(runID string, rec media.UploadRecord, took time.Duration) {
		m.SegmentUploaded(rec, took)
	}

	var renderer pipeline.Renderer
	routerOpts := servers.RouterOptions{History: st, Metrics: m.Handler()}
	if cfg.Preview.Enable {
		pw, err := preview.New(preview.Options{
			Path:     cfg.Preview.Path,
			Interval: cfg.Preview.Interval,
			Quality:  cfg.Preview.Quality,
			Logger:   logger.WithField("component", "preview"),
		})
		if err != nil {
			return err
		}
		defer pw.Close()
		renderer = pw
		routerOpts.Preview = pw
	}

	mgr := pipeline.NewManager(ctx, collab, opts, &pipeline.ManagerConfig{MaxConcurrent: cfg.MaxConcurrent}, st)
	defer mgr.Close()
	var started sync.Map
	mgr.OnStart(func(runID string) {
		started.Store(runID, struct{}{})
		m.RunStarted()
	})
	mgr.OnResult(func(result media.Result) {
		if _, ok := started.LoadAndDelete(result.RunID); ok {
			m.RunStopped()
		}
		m.RunFinished(result)
	})
	routerOpts.Control = mgr

	if cfg.MetricsAddr != "" {
		srv, err := servers.NewServer(cfg.MetricsAddr, servers.NewRouter(routerOpts))
		if err != nil {
			return err
		}
		srv.Start()
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Close(closeCtx)
		}()
	}

	clockCtx, stopClock := context.WithCancel(ctx)
	clockDone := make(chan struct{})
	bilisentry.GoWithContext(clockCtx, func(ctx context.Context) {
		defer close(clockDone)
		reportClock(ctx, logger, time.Now())
	})
	defer func() {
		stopClock()
		<-clockDone
	}()

	encodeConfig := cfg.EncodeConfig()
	jobs := make([]*pipeline.Job, 0, len(*flag.RunFiles))
	for _, file := range *flag.RunFiles {
		job, err := mgr.Submit(pipeline.Inputs{
			Source:       pipeline.LocalFile{Path: file},
			EncodeConfig: encodeConfig,
			Renderer:     renderer,
			OnProgress: func(p pipeline.Progress) {
				logger.WithFields(logrus.Fields{
					"run_id":   p.RunID,
					"state":    p.State,
					"segments": p.Segments,
					"bytes":    p.Bytes,
				}).Debug("progress")
			},
		})
		if err != nil {
			return fmt.Errorf("submit %s: %w", file, err)
		}
		jobs = append(jobs, job)
	}

	var (
		mu     sync.Mutex
		failed []string
		wg     sync.WaitGroup
	)
	for _, job := range jobs {
		wg.Add(1)
		bilisentry.Go(func() {
			defer wg.Done()
			result := <-job.Done
			fields := logrus.Fields{
				"run_id":   result.RunID,
				"source":   job.Source,
				"output":   result.OutputFileName,
				"segments": len(result.Uploaded),
				"bytes":    result.Bytes,
				"elapsed":  result.Elapsed,
			}
			if result.Status == media.StatusDone {
				logger.WithFields(fields).Info("run finished")
				return
			}
			logger.WithFields(fields).WithField("kind", result.Kind).WithError(result.Err).Error("run failed")
			mu.Lock()
			failed = append(failed, job.Source)
			mu.Unlock()
		})
	}
	wg.Wait()

	if len(failed) > 0 {
		return fmt.Errorf("%d of %d runs failed: %s", len(failed), len(jobs), strings.Join(failed, ", "))
	}
	return nil
}

// reportClock 周期输出运行时长与内存占用
func reportClock(ctx context.Context, logger logrus.FieldLogger, started time.Time) {
	logger.Infof("Process started %s", started.Format(time.RFC3339))
	ticker := time.NewTicker(clockInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Infof("Process took %s", time.Since(started).Round(time.Millisecond))
			return
		case <-ticker.C:
			entry := logger.WithField("elapsed", time.Since(started).Round(time.Second))
			if snap, err := memstats.Sample(); err == nil {
				entry = entry.WithFields(logrus.Fields{
					"rss":          snap.RSS,
					"children_rss": snap.ChildrenRSS,
					"children":     snap.Children,
					"goroutines":   snap.NumGoroutine,
				})
			}
			entry.Info("still running")
		}
	}
}

func listRuns(ctx context.Context, cfg *configs.Config) error {
	st, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	runs, err := st.ListRuns(ctx, store.RunFilter{Status: *flag.RunsStatus, Limit: *flag.RunsLimit})
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSOURCE\tSTATUS\tSEGMENTS\tBYTES\tELAPSED\tSTARTED\tERROR")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			r.ID, r.Source, r.Status, r.Segments, r.Bytes,
			r.Elapsed.Round(time.Millisecond), r.StartedAt.Format(time.DateTime), r.ErrorMessage)
	}
	return w.Flush()
}

func probe(ctx context.Context, cfg *configs.Config) error {
	tools, err := stages.ResolveTools(cfg)
	if err != nil {
		return err
	}
	caps, err := tools.Prober.Capabilities(tools.FFmpeg)
	if err != nil {
		return err
	}
	version := "unknown"
	if caps.Version != nil {
		version = caps.Version.String()
	}
	fmt.Printf("ffmpeg:    %s (%s)\n", tools.FFmpeg, version)
	fmt.Printf("ffprobe:   %s\n", tools.FFprobe)
	fmt.Printf("hwaccels:  %s\n", strings.Join(caps.HWAccels, ", "))
	fmt.Printf("h264 enc:  %t\n", caps.HasEncoder("libx264") || caps.HasEncoder("h264"))
	fmt.Printf("targets:   %s (using %s)\n", strings.Join(stages.Uploaders(), ", "), cfg.Upload.Target)

	if cfg.Upload.Target != configs.UploadTargetOpenList {
		return nil
	}
	ol := cfg.Upload.OpenList
	client := openlist.NewClient(ol.URL, ol.Token, cfg.Upload.Timeout)
	if !client.IsServiceReady(ctx) {
		return errors.New("openlist service is not ready")
	}
	if !client.HasToken() && ol.Username != "" {
		if err := client.Login(ctx, ol.Username, ol.Password); err != nil {
			return err
		}
	}
	if err := client.CheckPath(ctx, "/"); err != nil {
		return fmt.Errorf("openlist root is not listable: %w", err)
	}
	fmt.Printf("openlist:  %s ready\n", ol.URL)
	return nil
}
