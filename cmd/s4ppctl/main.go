// Command s4ppctl is a reference S4PP client for exercising a collector
// from the command line: authenticate, optionally negotiate HIDE, push one
// sequence of samples read from a file, and print the server's response.
// Command structure (root + subcommands) mirrors cmd/s4ppd, itself grounded
// on postalsys-Muti-Metroo's cmd/muti-metroo/main.go.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/finlaysensors/s4pp/internal/s4ppclient"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "s4ppctl",
		Short:   "s4ppctl - reference S4PP client",
		Version: Version,
	}
	rootCmd.AddCommand(pushCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func pushCmd() *cobra.Command {
	var (
		addr       string
		keyid      string
		secret     string
		hashAlgo   string
		hideAlgo   string
		seqid      int64
		basetime   int64
		timeDiv    int64
		dataFormat int
		dictFile   string
		dataFile   string
	)

	cmd := &cobra.Command{
		Use:   "push",
		Short: "Authenticate, push one sequence of samples, and print the response",
		RunE: func(cmd *cobra.Command, args []string) error {
			dict, err := readDictFile(dictFile)
			if err != nil {
				return err
			}
			dataLines, err := readLines(dataFile)
			if err != nil {
				return err
			}

			c := s4ppclient.New(keyid, []byte(secret))
			if err := c.Connect(addr, hashAlgo); err != nil {
				return fmt.Errorf("s4ppctl: %w", err)
			}
			defer c.Close()

			if hideAlgo != "" {
				if err := c.ActivateHide(hideAlgo); err != nil {
					return fmt.Errorf("s4ppctl: %w", err)
				}
			}

			if err := c.SendSequence(seqid, basetime, timeDiv, dataFormat, dict, dataLines); err != nil {
				return fmt.Errorf("s4ppctl: %w", err)
			}

			resp, err := c.ReadResponse()
			if err != nil {
				return fmt.Errorf("s4ppctl: %w", err)
			}
			fmt.Println(resp)
			if strings.HasPrefix(resp, "REJ:") || strings.HasPrefix(resp, "NOK:") {
				return fmt.Errorf("s4ppctl: sequence not accepted: %s", resp)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:4151", "collector address")
	cmd.Flags().StringVar(&keyid, "keyid", "", "key identifier to authenticate as")
	cmd.Flags().StringVar(&secret, "secret", "", "shared secret for keyid")
	cmd.Flags().StringVar(&hashAlgo, "hash-algo", "", "preferred hash algorithm (empty selects server's first)")
	cmd.Flags().StringVar(&hideAlgo, "hide-algo", "", "activate HIDE confidentiality with this cipher (empty disables)")
	cmd.Flags().Int64Var(&seqid, "seqid", 0, "sequence id, must exceed any previously committed seqid")
	cmd.Flags().Int64Var(&basetime, "basetime", 0, "sequence base time")
	cmd.Flags().Int64Var(&timeDiv, "time-divisor", 1, "time divisor")
	cmd.Flags().IntVar(&dataFormat, "data-format", 0, "data format (0 or 1)")
	cmd.Flags().StringVar(&dictFile, "dict", "", "path to a dictionary file, one idx,unit,unit_divisor,name line per entry")
	cmd.Flags().StringVar(&dataFile, "data", "", "path to a data file, one idx,delta_t,value[,...] line per sample")
	_ = cmd.MarkFlagRequired("keyid")
	_ = cmd.MarkFlagRequired("secret")
	_ = cmd.MarkFlagRequired("dict")
	_ = cmd.MarkFlagRequired("data")

	return cmd
}

func readDictFile(path string) ([]s4ppclient.DictEntry, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}
	entries := make([]s4ppclient.DictEntry, 0, len(lines))
	for _, line := range lines {
		fields := strings.SplitN(line, ",", 4)
		if len(fields) != 4 {
			return nil, fmt.Errorf("s4ppctl: malformed dict line %q", line)
		}
		idx, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("s4ppctl: malformed dict idx %q", fields[0])
		}
		unitDivisor, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("s4ppctl: malformed dict unit_divisor %q", fields[2])
		}
		entries = append(entries, s4ppclient.DictEntry{Idx: idx, Unit: fields[1], UnitDivisor: unitDivisor, Name: fields[3]})
	}
	return entries, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("s4ppctl: %w", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("s4ppctl: %w", err)
	}
	return lines, nil
}
