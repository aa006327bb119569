// Server entry point: loads the configuration, wires the share store,
// the room transport and the signer together and serves the HTTP
// endpoints, with mutual TLS between the parties when configured.
package main

import (
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/taurusgroup/multi-party-sig/pkg/pool"

	"github.com/xmaslo/log-signing-mpc/communication"
	"github.com/xmaslo/log-signing-mpc/internal/save"
	"github.com/xmaslo/log-signing-mpc/node"
)

// mnemonicEnv holds the BIP-39 mnemonic sealing the share file at rest.
// It is an environment variable so the secret never sits next to the
// config file.
const mnemonicEnv = "MPC_SHARE_MNEMONIC"

func main() {
	configPath := flag.String("config", "config.json", "path to the server configuration file")
	newMnemonic := flag.Bool("new-mnemonic", false, "print a fresh share-sealing mnemonic and exit")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if *newMnemonic {
		mnemonic, err := save.NewMnemonic()
		if err != nil {
			log.Fatalf("generate mnemonic: %v", err)
		}
		fmt.Println(mnemonic)
		return
	}

	cfg, err := communication.LoadLocalConfig(*configPath)
	if err != nil {
		log.Fatalf("load server config: %v", err)
	}

	var cipher *save.Cipher
	if cfg.SealShares {
		mnemonic := os.Getenv(mnemonicEnv)
		if mnemonic == "" {
			log.Fatalf("sealShares is set but %s is empty", mnemonicEnv)
		}
		cipher, err = save.NewCipher(mnemonic)
		if err != nil {
			log.Fatalf("share cipher: %v", err)
		}
	}
	store := save.NewStore(cfg.ShareDir, cipher)

	var tlsConfig *tls.Config
	if cfg.CaPath != "" {
		tlsConfig, err = communication.LoadTLSConfig(cfg.CaPath, cfg.ServerCertPath, cfg.ServerKeyPath)
		if err != nil {
			log.Fatalf("load TLS config: %v", err)
		}
	}
	registry := communication.NewRegistry(cfg.ServerID, communication.NewPeerClient(tlsConfig))

	pl := pool.NewPool(0)
	defer pl.TearDown()

	gin.SetMode(gin.ReleaseMode)
	server := &http.Server{
		Addr:      cfg.ListenAddr,
		Handler:   node.Router(node.New(cfg, registry, store, pl)),
		TLSConfig: tlsConfig,
	}

	log.Infof("server %d listening on %s", cfg.ServerID, cfg.ListenAddr)
	if tlsConfig != nil {
		err = server.ListenAndServeTLS("", "")
	} else {
		err = server.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server: %v", err)
	}
}
