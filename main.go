package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/proxy"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/server/routes"
	"github.com/any-hub/offline-hub/internal/site"
	"github.com/any-hub/offline-hub/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	watch       bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

const shutdownTimeout = 10 * time.Second

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["sites"] = len(cfg.Sites)
		fields["generations"] = config.Generations(cfg.Sites)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	registry, err := site.NewRegistry(cfg, logger, nil)
	if err != nil {
		fmt.Fprintf(stdErr, "构建站点注册表失败: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动顺序：配置 → 站点注册表 → 首次部署（install/activate/claim）→ Fiber server。
	// 单个站点部署失败只记录日志，该站点在下次部署成功前按透传处理。
	if err := registry.DeployAll(ctx); err != nil {
		logger.WithFields(logging.BaseFields("startup", opts.configPath)).
			WithError(err).Warn("初始部署未全部成功")
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["sites"] = len(cfg.Sites)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["generations"] = config.Generations(cfg.Sites)
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if opts.watch {
		if err := watchConfig(ctx, opts.configPath, registry, logger); err != nil {
			logger.WithFields(logging.BaseFields("config_reload", opts.configPath)).
				WithError(err).Warn("配置热更新未启用")
		}
	}

	if err := startHTTPServer(ctx, cfg, registry, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	registry.Flush()
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("offline-hub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
		watch      bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 OFFLINE_HUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.BoolVar(&watch, "watch", false, "监听配置文件，Version 变化时自动部署新代际")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("OFFLINE_HUB_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
		watch:       watch,
	}, nil
}

// watchConfig 在配置变化时为 Version 或 SeedAssets 改变的站点触发新部署。
// 新增/删除站点或修改 Domain 等路由字段需要重启进程，这里只记录告警。
func watchConfig(ctx context.Context, path string, registry *site.Registry, logger *logrus.Logger) error {
	return config.Watch(path, func(cfg *config.Config) {
		reloadSites(ctx, cfg, registry, logger, path)
	}, func(err error) {
		logger.WithFields(logging.BaseFields("config_reload", path)).
			WithError(err).Warn("配置重新加载失败，继续使用旧配置")
	})
}

func reloadSites(ctx context.Context, cfg *config.Config, registry *site.Registry, logger *logrus.Logger, path string) {
	for _, next := range cfg.Sites {
		s, ok := registry.Get(next.Name)
		if !ok {
			fields := logging.BaseFields("config_reload", path)
			fields["site"] = next.Name
			logger.WithFields(fields).Warn("新增站点需要重启后生效")
			continue
		}
		current := s.Config()
		if current.Version == next.Version && slices.Equal(current.SeedAssets, next.SeedAssets) {
			continue
		}

		fields := logging.BaseFields("config_reload", path)
		fields["site"] = next.Name
		fields["from"] = current.GenerationName()
		fields["to"] = next.GenerationName()
		logger.WithFields(fields).Info("检测到新版本，开始部署")

		seeds := next.SeedAssets
		if seeds == nil {
			seeds = []string{}
		}
		if _, err := s.Deploy(ctx, next.Version, seeds); err != nil {
			logger.WithFields(fields).WithError(err).Error("deploy_failed")
		}
	}

	for _, s := range registry.List() {
		if _, ok := cfg.FindSite(s.Name()); ok {
			continue
		}
		fields := logging.BaseFields("config_reload", path)
		fields["site"] = s.Name()
		fields["generation"] = s.Generation()
		logger.WithFields(fields).Warn("站点已从配置移除，重启后才会停止代理")
	}
}

func startHTTPServer(ctx context.Context, cfg *config.Config, registry *site.Registry, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxy.NewHandler(logger),
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterSiteRoutes(app, registry, logger)

	go func() {
		<-ctx.Done()
		logger.WithField("action", "shutdown").Info("收到退出信号，停止接收新请求")
		_ = app.ShutdownWithTimeout(shutdownTimeout)
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
