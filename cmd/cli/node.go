package cli

import (
	"github.com/skalenetwork/skale-consensus-sub001/lib"
	"github.com/skalenetwork/skale-consensus-sub001/store"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "create the config and key files and print this node's entry for the peer list",
	Run: func(cmd *cobra.Command, args []string) {
		publicKey, blsPublicKey := nodeKeysPublic()
		writeToConsole(NodeEntry(config, publicKey, blsPublicKey))
	},
}

var heightCmd = &cobra.Command{
	Use:   "height",
	Short: "print the last committed block of a stopped node",
	Run: func(cmd *cobra.Command, args []string) {
		db, err := store.New(config.StoreConfig, nil, l)
		if err != nil {
			l.Fatal(err.Error())
		}
		defer func() { _ = db.Close() }()
		writeToConsole(uint64(db.LastCommitted()))
	},
}

// nodeKeysPublic() returns the ed25519 and bls public keys of the loaded node keys
func nodeKeysPublic() (publicKey, blsPublicKey []byte) {
	return nodeKeys.PrivateKey.PublicKey().Bytes(), nodeKeys.BLSPrivateKey.PublicKey().Bytes()
}

// NodeEntry() builds the NodeInfo other participants list for this node; addresses come from the listen
// options and may need the public host substituted
func NodeEntry(c lib.Config, publicKey, blsPublicKey []byte) lib.NodeInfo {
	return lib.NodeInfo{
		Slot:             c.SelfSlot,
		ConsensusAddress: c.ListenAddress,
		FragmentAddress:  c.FragmentListenAddress,
		PublicKey:        publicKey,
		BLSPublicKey:     blsPublicKey,
	}
}
