package main

import (
	"fmt"
	"os"
)

// main 是钱包后台守护进程的入口。
func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "walletd 运行失败: %v\n", err)
		os.Exit(1)
	}
}
