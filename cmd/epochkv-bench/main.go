package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	globalContext context.Context
	globalCancel  context.CancelFunc
)

func main() {
	globalContext, globalCancel = context.WithCancel(context.Background())

	sc := make(chan os.Signal, 1)
	signal.Notify(sc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go func() {
		sig := <-sc
		fmt.Printf("\nGot signal [%v] to exit.\n", sig)
		globalCancel()
		<-sc
		os.Exit(1)
	}()

	rootCmd := &cobra.Command{
		Use:   "epochkv-bench",
		Short: "Run transaction workloads against an epochkv engine",
	}
	rootCmd.AddCommand(
		newRunCommand(),
		newConfigCheckCommand(),
	)
	cobra.EnablePrefixMatching = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(rootCmd.UsageString())
		os.Exit(1)
	}
	globalCancel()
}
