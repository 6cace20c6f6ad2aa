// Command gatekeeper は有料グループのメンバーシップを管理するボットとWebhookサーバー。
//
// サブコマンド: serve（デフォルト）, worker, sweep, migrate, set-webhook, healthcheck
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/gatekeeper/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
