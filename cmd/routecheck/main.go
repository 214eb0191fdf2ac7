// routecheck 逐条探测出口线路，或生成 enc: 前缀的加密配置值。
package main

import (
	"chat-gateway/config"
	"chat-gateway/core"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("routecheck", flag.ContinueOnError)
	fs.SetOutput(out)
	configPath := fs.String("config", "", "route config file (defaults to PROXY_CONFIG_FILE)")
	target := fs.String("url", "https://api.ipify.org?format=json", "probe target")
	timeout := fs.Duration("timeout", 10*time.Second, "per-route timeout")
	encrypt := fs.String("encrypt", "", "print the enc: value of the given secret and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.WarnLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Errorf("❌ Config error: %v", err)
		return 1
	}
	sp, err := core.NewSecretProvider(cfg.SecretKey)
	if err != nil {
		log.Errorf("❌ Secret provider error: %v", err)
		return 1
	}

	if *encrypt != "" {
		value, err := core.EncryptValue(sp, *encrypt)
		if err != nil {
			log.Errorf("❌ Encrypt failed: %v", err)
			return 1
		}
		fmt.Fprintln(out, value)
		return 0
	}

	path := *configPath
	if path == "" {
		path = cfg.ProxyConfigFile
	}
	// 只读探测，不生成默认配置
	if _, err := os.Stat(path); err != nil {
		log.Errorf("❌ Route config not found: %v", err)
		return 1
	}
	pool, err := core.NewEgressPool(path, sp, log, nil)
	if err != nil {
		log.Errorf("❌ Failed to load routes: %v", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	results := probeAll(ctx, pool.Selections(), *target, *timeout)
	return report(out, results)
}

// report 打印表格，全部失败时返回 1
func report(out io.Writer, results []probeResult) int {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ROUTE\tSTATUS\tLATENCY\tEXIT IP")

	ok := 0
	for _, r := range results {
		status := fmt.Sprintf("%d", r.Status)
		if r.Err != nil {
			status = "error: " + r.Err.Error()
		}
		exit := r.ExitIP
		if exit == "" {
			exit = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Name, status, r.Latency.Round(time.Millisecond), exit)
		if r.OK() {
			ok++
		}
	}
	tw.Flush()

	fmt.Fprintf(out, "\n%d/%d routes reachable\n", ok, len(results))
	if ok == 0 {
		return 1
	}
	return 0
}
