// ddreport 对一组财务文档执行分批分析 + 汇总，产出尽调报告。
//
// Usage:
//
//	ddreport analyze [--config config.yaml] [--llm name] [--output dir] <file|dir>...
//	ddreport serve   [--config config.yaml] [--addr host:port]
//	ddreport init-config [dir]
//
// 退出码：0 成功；1 运行失败；2 用法错误；3 配置/装配失败。
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	exitOK     = 0
	exitRun    = 1
	exitUsage  = 2
	exitConfig = 3
)

// exitError 携带退出码的错误。
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// 用户中断不再重复打印
func (e *exitError) quiet() bool { return errors.Is(e.err, context.Canceled) }

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

// execute 运行命令并返回退出码。
func execute(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return exitOK
	}
	var xe *exitError
	if errors.As(err, &xe) {
		if !xe.quiet() {
			fmt.Fprintf(stderr, "error: %v\n", xe.err)
		}
		return xe.code
	}
	fmt.Fprintf(stderr, "error: %v\n", err)
	return exitUsage
}
