// Package cmd 提供 grid-agent CLI 的命令实现
package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"yqhp/grid-agent/internal/agent"
	"yqhp/grid-agent/internal/config"
	"yqhp/grid-agent/pkg/logger"
)

const (
	// Version 是当前版本号
	Version = "0.1.0"

	stopTimeout = 30 * time.Second
)

// flag 名到配置路径的映射
var overrideFlags = []struct {
	name, path, usage string
}{
	{"gridHost", "grid.host", "网格注册中心地址，例如 http://grid:8081"},
	{"agentPort", "agent.port", "Agent 监听端口"},
	{"agentHost", "agent.host", "Agent 对外主机名"},
	{"agentUrl", "agent.url", "Agent 对外完整地址，优先于 agentHost"},
}

// rootCmd 是根命令。flag 使用单横线形式（-config=...），由 parseArgs 解析。
var rootCmd = &cobra.Command{
	Use:   "grid-agent -config=<path> [-gridHost=] [-agentPort=] [-agentHost=] [-agentUrl=]",
	Short: "网格执行 Agent",
	Long: `grid-agent 向网格注册中心发布令牌，接收调度器的调用请求并在令牌上执行 handler。
调用超时时 Agent 会尝试中断执行，无法中断的令牌仍然保持可用。`,
	Version:            Version,
	Args:               cobra.ArbitraryArgs,
	DisableFlagParsing: true,
	SilenceUsage:       true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return Run(ctx, args, cmd.OutOrStdout())
	},
}

// versionCmd 打印版本
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "打印版本信息",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "grid-agent version %s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// Execute 执行根命令
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GetRootCmd 返回根命令（用于测试）
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// Options 命令行解析结果
type Options struct {
	ConfigPath string
	Overrides  map[string]string
}

// ParseArgs 解析命令行参数。-config 必填，只有显式给出的覆盖项会出现在 Overrides 中。
func ParseArgs(args []string, out io.Writer) (*Options, error) {
	fs := flag.NewFlagSet("grid-agent", flag.ContinueOnError)
	fs.SetOutput(out)

	opts := &Options{Overrides: make(map[string]string)}
	fs.StringVar(&opts.ConfigPath, "config", "", "配置文件路径")
	values := make(map[string]*string, len(overrideFlags))
	for _, f := range overrideFlags {
		values[f.name] = fs.String(f.name, "", f.usage)
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("未知参数: %v", fs.Args())
	}
	if opts.ConfigPath == "" {
		return nil, errors.New("缺少 -config 参数")
	}

	fs.Visit(func(f *flag.Flag) {
		for _, o := range overrideFlags {
			if o.name == f.Name {
				opts.Overrides[o.path] = *values[o.name]
			}
		}
	})
	return opts, nil
}

// LoadConfig 按命令行参数加载配置
func LoadConfig(opts *Options) (*config.Config, error) {
	loader := config.NewLoader().WithCmdArgs(opts.Overrides)
	if opts.ConfigPath != "" {
		loader = loader.WithConfigPath(opts.ConfigPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	return cfg, nil
}

// Run 启动 Agent 并阻塞直到 ctx 结束或服务异常退出，随后优雅关闭。
func Run(ctx context.Context, args []string, out io.Writer) error {
	opts, err := ParseArgs(args, out)
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	cfg, err := LoadConfig(opts)
	if err != nil {
		return err
	}

	logger.Init(&cfg.Logging)
	defer logger.Sync()
	log := logger.L()

	a, err := agent.New(cfg, agent.WithLogger(log))
	if err != nil {
		return fmt.Errorf("创建 Agent 失败: %w", err)
	}
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("启动 Agent 失败: %w", err)
	}
	fmt.Fprintf(out, "grid-agent %s 已启动\n  ID: %s\n  地址: %s\n  网格: %s\n",
		Version, a.ID(), a.URL(), cfg.Grid.Host)

	done := make(chan error, 1)
	go func() { done <- a.Wait() }()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case runErr = <-done:
		if runErr != nil {
			log.Error("Agent exited unexpectedly", zap.Error(runErr))
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := a.Stop(stopCtx); err != nil {
		return errors.Join(runErr, fmt.Errorf("停止 Agent 失败: %w", err))
	}
	return runErr
}
