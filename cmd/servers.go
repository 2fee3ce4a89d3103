package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/nemosupremo/poolreg"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func init() {
	serversCmd.Flags().String("discovery", "", "Discovery location, zk://hosts/path or etcd://hosts/prefix.")
	rootCmd.AddCommand(serversCmd)
}

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "Lists the registry servers announced in discovery.",
	Run:   listServers,
}

func listServers(cmd *cobra.Command, args []string) {
	uri, _ := cmd.Flags().GetString("discovery")
	if uri == "" {
		log.Fatal("No discovery location given.")
	}
	instances, err := poolreg.LookupServers(uri)
	if err != nil {
		log.Fatalf("Failed to look up servers: %v", err)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tID\tVERSION\tPRIMARY")
	for _, i := range instances {
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\n", i.Host, i.ID, i.Version, i.Primary)
	}
	w.Flush()
}
