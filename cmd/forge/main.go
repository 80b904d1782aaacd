// Command forge はリサーチパイプラインのAPIサーバーと運用コマンドを提供する。
//
//	forge [serve]                     APIサーバーを起動する
//	forge worker                      放置されたリサーチ行の回収を定期実行する
//	forge migrate                     データベースマイグレーションを適用する
//	forge import-sources <file.yaml>  信頼済みソースを取り込む
//	forge healthcheck                 ローカルのAPIサーバーの死活を確認する
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/forge/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "forge: %v\n", err)
		os.Exit(1)
	}
}
