package cmd

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/franela/goreq"
	"github.com/nemosupremo/poolreg/pool"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	poolsCmd.Flags().Bool("members", false, "List the members of the pool.")
	poolsCmd.Flags().Bool("locations", false, "List the member locations of the pool.")
	rootCmd.AddCommand(poolsCmd)
}

var poolsCmd = &cobra.Command{
	Use:   "pools [pool]",
	Short: "Lists the pools of a running registry server.",
	Args:  cobra.MaximumNArgs(1),
	Run:   listPools,
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e apiError) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// adminUrl turns a listen address such as ":8889" into a URL for path.
func adminUrl(addr, p string) string {
	if !strings.Contains(addr, "://") {
		if host, port, err := net.SplitHostPort(addr); err == nil && host == "" {
			addr = net.JoinHostPort("localhost", port)
		}
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		panic(err)
	}
	ref, err := url.Parse(p)
	if err != nil {
		panic(err)
	}
	return u.ResolveReference(ref).String()
}

func adminGet(addr, p string, v interface{}) error {
	r, err := goreq.Request{
		Uri:     adminUrl(addr, p),
		Method:  "GET",
		Accept:  "application/json",
		Timeout: 10 * time.Second,
	}.Do()
	if err != nil {
		return err
	}
	defer r.Body.Close()
	if r.StatusCode != 200 {
		var e apiError
		if err := r.Body.FromJsonTo(&e); err != nil {
			return fmt.Errorf("Code %d from registry server", r.StatusCode)
		}
		return e
	}
	return r.Body.FromJsonTo(v)
}

func listPools(cmd *cobra.Command, args []string) {
	addr := viper.GetString("admin-addr")
	if len(args) == 0 {
		var stats []pool.Stats
		if err := adminGet(addr, "/pools?stats=1", &stats); err != nil {
			log.Fatalf("Failed to list pools: %v", err)
		}
		printStats(stats...)
		return
	}

	name := url.PathEscape(args[0])
	if members, _ := cmd.Flags().GetBool("members"); members {
		var ids []pool.Identity
		if err := adminGet(addr, "/pools/"+name+"/members", &ids); err != nil {
			log.Fatalf("Failed to list members: %v", err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tADDRESS\tLOCATION")
		for _, id := range ids {
			fmt.Fprintf(w, "%s\t%s\t%s\n", id.ID, id.Address, id.Location)
		}
		w.Flush()
		return
	}
	if locations, _ := cmd.Flags().GetBool("locations"); locations {
		var l []string
		if err := adminGet(addr, "/pools/"+name+"/locations", &l); err != nil {
			log.Fatalf("Failed to list locations: %v", err)
		}
		for _, loc := range l {
			fmt.Println(loc)
		}
		return
	}

	var stats pool.Stats
	if err := adminGet(addr, "/pools/"+name, &stats); err != nil {
		log.Fatalf("Failed to get pool: %v", err)
	}
	b, _ := json.MarshalIndent(stats, "", "  ")
	fmt.Println(string(b))
}

func printStats(stats ...pool.Stats) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "POOL\tMODE\tSIZE\tTIME\tMIN TIME\tCLOSED\tTERMINATED")
	for _, s := range stats {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%v\t%v\n", s.Name, s.Mode, s.Size, s.CurrentTime, s.MinTime, s.Closed, s.Terminated)
	}
	w.Flush()
}
