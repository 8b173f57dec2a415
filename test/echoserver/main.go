package main

import (
	"flag"
	"log"
	"net"
	"time"

	"github.com/Clouded-Sabre/rudp/config"
	"github.com/Clouded-Sabre/rudp/lib"
)

func main() {
	serviceIP := flag.String("serviceIP", "127.0.0.1", "Service IP address to listen on")
	port := flag.Int("port", 8901, "Service port")
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

	local := lib.NewEndpoint(net.ParseIP(*serviceIP), *port)
	srv, err := core.Listen(local, nil)
	if err != nil {
		log.Fatalln("Listen error:", err)
	}

	log.Printf("Echo server listening on %s", local)

	for {
		conn, err := srv.Accept()
		if err != nil {
			log.Println("Accept error:", err)
			return
		}
		log.Printf("New connection from %s", conn.RemoteAddr())
		go handleConn(conn)
	}
}

func handleConn(c *lib.Connection) {
	defer c.Close()
	buf := make([]byte, config.AppConfig.PreferredMSS)
	for {
		n, err := c.Read(buf)
		if err != nil {
			log.Println("Read error:", err)
			return
		}
		log.Printf("Echo server got: %s", string(buf[:n]))
		_, err = c.Write(buf[:n])
		if err != nil {
			log.Println("Write error:", err)
			return
		}
	}
}
