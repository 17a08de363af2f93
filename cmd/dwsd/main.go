// Copyright 2025 The dws Authors
// This file is part of dws.
//
// dws is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// dws is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with dws. If not, see <http://www.gnu.org/licenses/>.

// dwsd is the dws node daemon.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/urfave/cli.v1"

	"github.com/jeju-network/dws/log"
	"github.com/jeju-network/dws/node"
)

var (
	configFlag = cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	nodeIDFlag = cli.StringFlag{
		Name:  "nodeid",
		Usage: "Node identifier",
	}
	networkFlag = cli.StringFlag{
		Name:  "network",
		Usage: "Network to join (localnet, testnet, mainnet)",
	}
	dataDirFlag = cli.StringFlag{
		Name:  "datadir",
		Usage: "Data directory for peer snapshots",
	}
	p2pListenFlag = cli.StringFlag{
		Name:  "p2p.listen",
		Usage: "P2P HTTP listen address",
	}
	p2pEndpointFlag = cli.StringFlag{
		Name:  "p2p.endpoint",
		Usage: "Advertised P2P endpoint URL",
	}
	ingressListenFlag = cli.StringFlag{
		Name:  "ingress.listen",
		Usage: "Ingress HTTP listen address (empty disables ingress)",
	}
	verbosityFlag = cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=crit, 1=error, 2=warn, 3=info, 4=debug, 5=trace",
		Value: 3,
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "dwsd"
	app.Usage = "decentralized worker service node"
	app.Flags = []cli.Flag{
		configFlag,
		nodeIDFlag,
		networkFlag,
		dataDirFlag,
		p2pListenFlag,
		p2pEndpointFlag,
		ingressListenFlag,
		verbosityFlag,
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	glogger := log.LvlFilterHandler(log.Lvl(ctx.Int(verbosityFlag.Name)),
		log.StreamHandler(os.Stderr, log.TerminalFormat(false)))
	log.Root().SetHandler(glogger)

	cfg, err := node.LoadConfig(ctx.String(configFlag.Name))
	if err != nil {
		return err
	}
	applyFlags(ctx, &cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	n, err := node.New(cfg, node.Dependencies{}, nil)
	if err != nil {
		return err
	}
	if err := n.Start(); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info("Shutting down", "signal", s)
	return n.Stop()
}

func applyFlags(ctx *cli.Context, cfg *node.Config) {
	if v := ctx.String(nodeIDFlag.Name); v != "" {
		cfg.NodeID = v
	}
	if v := ctx.String(networkFlag.Name); v != "" {
		cfg.Network = v
	}
	if v := ctx.String(dataDirFlag.Name); v != "" {
		cfg.DataDir = v
	}
	if v := ctx.String(p2pListenFlag.Name); v != "" {
		cfg.P2P.ListenAddr = v
	}
	if v := ctx.String(p2pEndpointFlag.Name); v != "" {
		cfg.P2P.Endpoint = v
	}
	if ctx.IsSet(ingressListenFlag.Name) {
		cfg.Ingress.ListenAddr = ctx.String(ingressListenFlag.Name)
	}
}
