package main

import (
	"bufio"
	"flag"
	"log"
	"net"
	"os"
	"time"

	"github.com/Clouded-Sabre/rudp/config"
	"github.com/Clouded-Sabre/rudp/lib"
)

func main() {
	serverIP := flag.String("serverIP", "127.0.0.1", "Server IP address")
	port := flag.Int("port", 8901, "Server port")
	localIP := flag.String("localIP", "0.0.0.0", "Local IP address to bind")
	configPath := flag.String("config", "config.yaml", "Path to the YAML configuration")
	flag.Parse()

	var err error
	config.AppConfig, err = config.ReadConfig(*configPath)
	if err != nil {
		log.Println("Configuration file error:", err, "- using defaults")
		config.AppConfig = config.DefaultConfig()
	}

	coreConfig := &lib.RudpCoreConfig{
		PreferredMSS:         config.AppConfig.PreferredMSS,
		PayloadPoolSize:      config.AppConfig.PayloadPoolSize,
		Debug:                config.AppConfig.Debug,
		PoolDebug:            config.AppConfig.PoolDebug,
		ProcessTimeThreshold: config.AppConfig.ProcessTimeThreshold,
		ConnConfig: &lib.ConnectionConfig{
			RetransmitInterval: time.Duration(config.AppConfig.RetransmitIntervalMs) * time.Millisecond,
			ConnectRetries:     config.AppConfig.ConnectRetries,
		},
	}
	core, err := lib.NewRudpCore(coreConfig)
	if err != nil {
		log.Fatalln("Error starting rudp core:", err)
	}
	defer core.Close()

	local := lib.NewEndpoint(net.ParseIP(*localIP), 0)
	remote := lib.NewEndpoint(net.ParseIP(*serverIP), *port)
	conn, err := core.Dial(local, remote, nil)
	if err != nil {
		log.Fatalln("Dial error:", err)
	}
	defer conn.Close()

	log.Printf("Connected to %s from %s", remote, conn.LocalAddr())

	scanner := bufio.NewScanner(os.Stdin)
	buf := make([]byte, config.AppConfig.PreferredMSS)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if _, err := conn.Write([]byte(line)); err != nil {
			log.Println("Write error:", err)
			return
		}
		n, err := conn.Read(buf)
		if err != nil {
			log.Println("Read error:", err)
			return
		}
		log.Printf("Echo reply: %s", string(buf[:n]))
	}
}
