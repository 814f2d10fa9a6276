package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"baas-service/api"
	"baas-service/logger"
	"baas-service/service"
	"baas-service/service/config"

	daprd "github.com/dapr/go-sdk/service/http"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	slogger := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	container, err := service.NewContainer(ctx, cfg, slogger, prometheus.DefaultRegisterer)
	if err != nil {
		log.Fatalf("服务初始化失败: %v", err)
	}
	defer container.Close()

	if err := container.Start(); err != nil {
		log.Fatalf("启动调度器服务失败: %v", err)
	}

	mux := chi.NewRouter()

	// 如果有BASE_CONTEXT，则在该路径下挂载所有路由
	if cfg.Server.BaseContext != "" {
		mux.Route(cfg.Server.BaseContext, func(r chi.Router) {
			api.InitRoute(r, container)
			r.Handle("/metrics", promhttp.Handler())
		})
	} else {
		api.InitRoute(mux, container)
		mux.Handle("/metrics", promhttp.Handler())
	}

	s := daprd.NewServiceWithMux(":"+strconv.Itoa(cfg.Server.Port), mux)
	go func() {
		<-ctx.Done()
		slogger.Info("收到退出信号，正在停止服务")
		if err := s.GracefulStop(); err != nil {
			slogger.Error("停止HTTP服务失败", "error", err)
		}
	}()

	slogger.Info("服务启动", "port", cfg.Server.Port, "base_context", cfg.Server.BaseContext)
	if err := s.Start(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("error: %v", err)
	}
}
