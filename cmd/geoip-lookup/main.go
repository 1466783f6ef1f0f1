package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"geoip-api/internal/config"
	"geoip-api/internal/geodb"
	"geoip-api/internal/logger"
	"geoip-api/internal/query"
)

// 文档注释：离线查询本地数据集
// 背景：参数为待查询地址；无参数时逐行读取标准输入。每个结果输出一行 JSON，失败的地址输出 {"ip","error"}。
// 约束：退出码 0 表示全部命中，1 表示存在失败的地址或数据集不可用，2 表示配置错误。
func main() {
	os.Exit(run())
}

func run() int {
	cfg, args, err := config.LoadArgs("geoip-lookup", os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	l := logger.New(os.Stderr, logger.ParseLevel(cfg.LogLevel), cfg.LogFormat)
	logger.Set(l)
	if err != nil {
		l.Error("config_error", "err", err)
		return 2
	}

	h, err := geodb.Build(cfg.DBPath, geodb.BuildOptions{Format: cfg.Format, XDBIPVersion: cfg.XDBIPVersion})
	if err != nil {
		l.Error("dataset_open_error", "err", err)
		return 1
	}
	reg := geodb.NewRegistry()
	defer reg.Close()
	if _, err := reg.Publish(h); err != nil {
		_ = h.Close()
		l.Error("dataset_publish_error", "err", err)
		return 1
	}
	e := query.New(reg, cfg.Lang)
	enc := json.NewEncoder(os.Stdout)

	lookup := func(raw string) bool {
		rec, err := e.Lookup(raw, query.Options{})
		if err != nil {
			_ = enc.Encode(map[string]string{"ip": raw, "error": err.Error()})
			return false
		}
		_ = enc.Encode(rec)
		return true
	}
	ok := true
	if len(args) > 0 {
		for _, a := range args {
			ok = lookup(a) && ok
		}
	} else {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			ok = lookup(line) && ok
		}
		if err := sc.Err(); err != nil {
			l.Error("stdin_read_error", "err", err)
			return 1
		}
	}
	if !ok {
		return 1
	}
	return 0
}
