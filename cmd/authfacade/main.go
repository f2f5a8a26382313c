// Command authfacade はユーザー認証ファサードのAPIサーバーとワーカーを起動する。
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/authfacade/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "authfacade: %v\n", err)
		os.Exit(1)
	}
}
