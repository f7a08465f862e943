package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"xinyuan_tech/iap-reconcile-service/internal/biz"
	"xinyuan_tech/iap-reconcile-service/internal/conf"

	"github.com/go-kratos/kratos/v2/config"
	"github.com/go-kratos/kratos/v2/config/file"
	klog "github.com/go-kratos/kratos/v2/log"
	"github.com/robfig/cron/v3"
	_ "go.uber.org/automaxprocs"
)

var (
	flagconf string
	flagdays int
	flagonce bool
)

// SweepApp 巡检应用结构
type SweepApp struct {
	sweepUsecase *biz.SweepUsecase
}

// newLogger 创建 logger
func newLogger() klog.Logger {
	return klog.With(klog.NewStdLogger(os.Stdout),
		"ts", klog.DefaultTimestamp,
		"caller", klog.DefaultCaller,
		"service.name", "iap-reconcile-sweep",
	)
}

func init() {
	flag.StringVar(&flagconf, "conf", "configs/config.yaml", "config path, eg: -conf config.yaml")
	flag.IntVar(&flagdays, "days", 0, "sweep horizon in days, eg: -days 7 (0 = use config)")
	flag.BoolVar(&flagonce, "once", false, "run a single sweep and exit")
}

func main() {
	flag.Parse()

	// 初始化配置
	c := config.New(
		config.WithSource(
			file.NewSource(flagconf),
		),
	)
	defer c.Close()

	if err := c.Load(); err != nil {
		panic(err)
	}

	var bc conf.Bootstrap
	if err := c.Scan(&bc); err != nil {
		panic(err)
	}

	if err := bc.Validate(); err != nil {
		panic(fmt.Sprintf("config validation failed: %v", err))
	}

	// 初始化应用
	app, cleanup, err := wireApp(&bc)
	if err != nil {
		panic(err)
	}
	defer cleanup()

	days := flagdays
	if days <= 0 && bc.Sweep != nil {
		days = bc.Sweep.HorizonDays
	}

	if flagonce {
		runOnce(app, days)
		return
	}

	schedule := "0 0 4 * * *"
	if bc.Sweep != nil && bc.Sweep.Cron != "" {
		schedule = bc.Sweep.Cron
	}

	// 创建定时任务调度器（支持秒级调度）
	cronScheduler := cron.New(cron.WithSeconds())

	// 到期订阅对账巡检
	_, err = cronScheduler.AddFunc(schedule, func() {
		log.Println("[CRON] Starting expiry reconciliation sweep...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		report, err := app.sweepUsecase.RunSweep(ctx, days)
		if err != nil {
			log.Printf("[CRON] Sweep error: %v", err)
		} else {
			log.Printf("[CRON] Sweep %s completed: checked=%d, updated=%d, failed=%d",
				report.RunID, report.Checked, report.Updated, report.Failed)
		}
		log.Println("[CRON] Finished expiry reconciliation sweep")
	})
	if err != nil {
		log.Printf("Failed to add sweep job: %v", err)
	}

	// 启动定时任务
	cronScheduler.Start()
	log.Println("========================================")
	log.Println("Sweep scheduler started successfully")
	log.Printf("Schedule: %s (horizon: %d days)", schedule, days)
	log.Println("========================================")

	// 优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down gracefully...")

	// 停止定时任务
	ctx := cronScheduler.Stop()
	select {
	case <-ctx.Done():
		log.Println("Sweep scheduler stopped gracefully")
	case <-time.After(5 * time.Second):
		log.Println("Sweep scheduler forced to stop after timeout")
	}
}

// runOnce 执行单轮巡检。
// 单条订阅的失败只体现在统计里，只有枚举订阅失败才返回非零退出码。
func runOnce(app *SweepApp, days int) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	report, err := app.sweepUsecase.RunSweep(ctx, days)
	if err != nil {
		log.Printf("Sweep failed: %v", err)
		os.Exit(1)
	}

	log.Printf("Sweep %s completed: checked=%d, updated=%d, failed=%d",
		report.RunID, report.Checked, report.Updated, report.Failed)
}
