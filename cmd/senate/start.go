package main

import (
	"fmt"
	"net"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/axiomesh/axiom-kit/log"
	"github.com/ethereum/go-ethereum/ethclient"
	senate "github.com/senatelabs/senate"
	"github.com/senatelabs/senate/api"
	"github.com/senatelabs/senate/core"
	"github.com/senatelabs/senate/repo"
	"github.com/urfave/cli/v2"
)

func start(ctx *cli.Context) error {
	p, err := getRootPath(ctx)
	if err != nil {
		return err
	}
	r, err := repo.Load(p)
	if err != nil {
		return err
	}

	err = log.Initialize(
		log.WithReportCaller(r.Config.Log.ReportCaller),
		log.WithPersist(true),
		log.WithFilePath(filepath.Join(r.Config.RepoRoot, repo.LogsDirName)),
		log.WithFileName(r.Config.Log.Filename),
		log.WithMaxAge(r.Config.Log.MaxAge),
		log.WithRotationTime(r.Config.Log.RotationTime),
	)
	if err != nil {
		return fmt.Errorf("log initialize: %w", err)
	}

	printVersion()

	rpc, err := ethclient.DialContext(ctx.Context, r.Config.DialUrl)
	if err != nil {
		return err
	}

	node, err := core.NewSenate(ctx.Context, r.Config, core.NewEthClient(rpc))
	if err != nil {
		return fmt.Errorf("new senate error: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	handleShutdown(node, &wg)

	if err := node.Start(); err != nil {
		return fmt.Errorf("start senate failed: %w", err)
	}

	if r.Config.API.Enable {
		ln, err := net.Listen("tcp", r.Config.API.ListenAddr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", r.Config.API.ListenAddr, err)
		}
		api.NewServer(ctx.Context, node.Logger, api.ServerConfig{
			Listener: ln,
			Senate:   node,
		})
	}

	fmt.Println("=============Senate is ready=============")

	wg.Wait()

	return nil
}

func printVersion() {
	fmt.Printf("Senate version: %s-%s-%s\n", senate.CurrentVersion, senate.CurrentBranch, senate.CurrentCommit)
	fmt.Printf("App build date: %s\n", senate.BuildDate)
	fmt.Printf("System version: %s\n", senate.Platform)
	fmt.Printf("Golang version: %s\n", senate.GoVersion)
	fmt.Println()
}

func handleShutdown(node *core.Senate, wg *sync.WaitGroup) {
	var stop = make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGTERM)
	signal.Notify(stop, syscall.SIGINT)

	go func() {
		<-stop
		fmt.Println("received interrupt signal, shutting down...")
		if err := node.Stop(); err != nil {
			panic(err)
		}
		wg.Done()
		os.Exit(0)
	}()
}
