package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/skalenetwork/skale-consensus-sub001/controller"
	"github.com/skalenetwork/skale-consensus-sub001/lib"
	"github.com/skalenetwork/skale-consensus-sub001/lib/crypto"
	"github.com/skalenetwork/skale-consensus-sub001/store"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const SoftwareVersion = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "skaled-consensus",
	Short: "the block agreement engine of a permissioned chain",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		config, nodeKeys = InitializeDataDirectory(DataDir, lib.NewDefaultLogger())
		l = lib.NewLogger(lib.LoggerConfig{Level: config.GetLogLevel(), Prefix: fmt.Sprintf("slot %d", config.SelfSlot)}, DataDir)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	// the data directory is not needed
	PersistentPreRun: func(cmd *cobra.Command, args []string) {},
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(SoftwareVersion)
	},
}

var (
	config, l         = lib.Config{}, lib.LoggerI(nil)
	DataDir, nodeKeys = "", (*crypto.NodeKeys)(nil)
)

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(heightCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.PersistentFlags().StringVar(&DataDir, "data-dir", lib.DefaultDataDirPath(), "custom data directory location")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "start the consensus node",
	Run: func(cmd *cobra.Command, args []string) {
		Start()
	},
}

// Start() is the entrypoint of the node
func Start() {
	if err := config.Validate(); err != nil {
		l.Fatal(err.Error())
	}
	// initialize the metrics server
	metrics := lib.NewMetricsServer(config.MetricsConfig, l)
	// open the database in the data directory
	db, err := store.New(config.StoreConfig, metrics, l)
	if err != nil {
		l.Fatal(err.Error())
	}
	l.Infof("Using identity: slot %d | PublicKey: %s | BLSPublicKey: %s", config.SelfSlot,
		nodeKeys.PrivateKey.PublicKey().String(), nodeKeys.BLSPrivateKey.PublicKey().String())
	// proposals are available once the proposal layer stored their availability proof
	proposals := controller.NewProofAvailability(config.NodeCount(), db, l)
	app, err := controller.New(config, nodeKeys, db, proposals, &committedLog{log: l}, metrics, l)
	if err != nil {
		l.Fatal(err.Error())
	}
	metrics.Start()
	ctx, cancel := context.WithCancel(context.Background())
	if err = app.Start(ctx); err != nil {
		l.Fatal(err.Error())
	}
	// block until a kill signal is received
	waitForKill()
	cancel()
	app.Stop()
	if err = db.Close(); err != nil {
		l.Error(err.Error())
	}
	metrics.Stop()
	os.Exit(0)
}

// waitForKill() blocks until a kill signal is received
func waitForKill() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGABRT)
	s := <-stop
	l.Infof("Exit command %s received", s)
}

// committedLog is the Application of a standalone node: it reports every committed block
type committedLog struct{ log lib.LoggerI }

func (c *committedLog) OnBlockDecided(id lib.BlockId, slot uint64, b *lib.Block) {
	p := message.NewPrinter(language.English)
	c.log.Info(p.Sprintf("Block %d committed from proposer %d with %d transactions", uint64(id), slot, len(b.Transactions)))
}

// InitializeDataDirectory() populates the data directory with the config and key files if missing
func InitializeDataDirectory(dataDirPath string, log lib.LoggerI) (c lib.Config, keys *crypto.NodeKeys) {
	// make the data dir if missing
	if err := os.MkdirAll(dataDirPath, os.ModePerm); err != nil {
		log.Fatal(err.Error())
	}
	// make the config.json file if missing
	configFilePath := filepath.Join(dataDirPath, lib.ConfigFilePath)
	if _, err := os.Stat(configFilePath); errors.Is(err, os.ErrNotExist) {
		log.Infof("Creating %s file", lib.ConfigFilePath)
		def := lib.DefaultConfig()
		def.DataDirPath = dataDirPath
		if err = def.WriteToFile(configFilePath); err != nil {
			log.Fatal(err.Error())
		}
	}
	// make the node key file if missing
	if _, err := os.Stat(filepath.Join(dataDirPath, lib.ValKeyPath)); errors.Is(err, os.ErrNotExist) {
		log.Infof("Creating %s file", lib.ValKeyPath)
		k, e := crypto.NewNodeKeys()
		if e != nil {
			log.Fatal(e.Error())
		}
		if e := lib.SaveJSONToFile(k, dataDirPath, lib.ValKeyPath); e != nil {
			log.Fatal(e.Error())
		}
	}
	keys = new(crypto.NodeKeys)
	if err := lib.NewJSONFromFile(keys, dataDirPath, lib.ValKeyPath); err != nil {
		log.Fatal(err.Error())
	}
	c, err := lib.NewConfigFromFile(configFilePath)
	if err != nil {
		log.Fatal(err.Error())
	}
	c.DataDirPath = dataDirPath
	return
}

// writeToConsole() prints numbers with thousands separators and everything else as indented json
func writeToConsole(a any) {
	switch a.(type) {
	case int, uint32, uint64:
		p := message.NewPrinter(language.English)
		if _, err := p.Printf("%d\n", a); err != nil {
			l.Fatal(err.Error())
		}
	case string:
		fmt.Println(a)
	default:
		bz, err := lib.MarshalJSONIndent(a)
		if err != nil {
			l.Fatal(err.Error())
		}
		fmt.Println(string(bz))
	}
}
