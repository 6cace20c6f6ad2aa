package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はWebhookサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker は定期スイープと通知ワーカーで起動することを示す。
	CommandWorker Command = "worker"
	// CommandSweep はスイープを1回だけ実行することを示す。cronからの起動用。
	CommandSweep Command = "sweep"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandSetWebhook はTelegramにWebhook URLを登録することを示す。
	CommandSetWebhook Command = "set-webhook"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch Command(args[0]) {
	case CommandWorker, CommandServe, CommandSweep, CommandMigrate, CommandSetWebhook, CommandHealthcheck:
		return Command(args[0])
	default:
		return CommandServe
	}
}
