package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/mpathd/pkg/admin"
	"github.com/cuemby/mpathd/pkg/client"
	"github.com/cuemby/mpathd/pkg/config"
	"github.com/cuemby/mpathd/pkg/types"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

const requestTimeout = 10 * time.Second

func newClient(cmd *cobra.Command) (*client.Client, context.Context, context.CancelFunc) {
	addr, _ := cmd.Flags().GetString("admin-addr")
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	return client.NewClient(addr), ctx, cancel
}

func intArgs(args []string, names ...string) ([]int, error) {
	out := make([]int, len(args))
	for i, a := range args {
		n, err := strconv.Atoi(a)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q", names[i], a)
		}
		out[i] = n
	}
	return out, nil
}

// parseLuns reads a comma separated LUN list such as "0,5,9"
func parseLuns(s string) (types.LunMask, error) {
	var m types.LunMask
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		lun, err := strconv.Atoi(f)
		if err != nil || lun < 0 || lun >= types.MaxLuns {
			return m, fmt.Errorf("invalid lun %q", f)
		}
		m.Set(lun)
	}
	return m, nil
}

func joinInts(v []int) string {
	if len(v) == 0 {
		return "-"
	}
	s := make([]string, len(v))
	for i, n := range v {
		s[i] = strconv.Itoa(n)
	}
	return strings.Join(s, ",")
}

func init() {
	rootCmd.AddCommand(paramsCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(pathsCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(masksCmd)
	rootCmd.AddCommand(controlCmd)
}

// Params commands
var paramsCmd = &cobra.Command{
	Use:   "params",
	Short: "Show or change failover parameters",
}

func printParams(p config.Params) {
	fmt.Printf("Max paths per device:  %d\n", p.MaxPathsPerDevice)
	fmt.Printf("Max retries per path:  %d\n", p.MaxRetriesPerPath)
	fmt.Printf("Max retries per I/O:   %d\n", p.MaxRetriesPerIo)
	fmt.Printf("Notify type:           %s\n", p.NotifyType)
	if len(p.NotifyCdb) > 0 {
		fmt.Printf("Notify CDB:            %s\n", p.NotifyCdb)
	}
}

var paramsGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show the current parameters",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel := newClient(cmd)
		defer cancel()

		p, err := c.GetParams(ctx)
		if err != nil {
			return err
		}
		printParams(p)
		return nil
	},
}

var paramsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Change parameters; unset flags keep their value",
	Long: `Change failover parameters. Flags left unset keep their current value.
Changing the path count or per-path retries recomputes the per-I/O budget
unless --max-retries-per-io is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var update config.Params
		update.MaxPathsPerDevice, _ = cmd.Flags().GetInt("max-paths-per-device")
		update.MaxRetriesPerPath, _ = cmd.Flags().GetInt("max-retries-per-path")
		update.MaxRetriesPerIo, _ = cmd.Flags().GetInt("max-retries-per-io")
		if s, _ := cmd.Flags().GetString("notify-type"); s != "" {
			t, err := types.ParseNotifyType(s)
			if err != nil {
				return err
			}
			update.NotifyType = t
		}
		if s, _ := cmd.Flags().GetString("notify-cdb"); s != "" {
			if err := update.NotifyCdb.UnmarshalText([]byte(s)); err != nil {
				return fmt.Errorf("invalid notify-cdb: %w", err)
			}
		}

		c, ctx, cancel := newClient(cmd)
		defer cancel()

		p, err := c.SetParams(ctx, update)
		if err != nil {
			return err
		}
		fmt.Println("✓ Parameters updated")
		printParams(p)
		return nil
	},
}

func init() {
	paramsCmd.AddCommand(paramsGetCmd)
	paramsCmd.AddCommand(paramsSetCmd)

	paramsSetCmd.Flags().Int("max-paths-per-device", 0, "Paths accepted per device")
	paramsSetCmd.Flags().Int("max-retries-per-path", 0, "Retries on a path before failover")
	paramsSetCmd.Flags().Int("max-retries-per-io", 0, "Retries per command")
	paramsSetCmd.Flags().String("notify-type", "", "Switch notification type")
	paramsSetCmd.Flags().String("notify-cdb", "", "Custom notification CDB in hex")
}

// Device commands
var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List multipath devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel := newClient(cmd)
		defer cancel()

		devices, err := c.ListDevices(ctx)
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			fmt.Println("No devices")
			return nil
		}
		fmt.Printf("%-4s %-28s %-22s %-6s %-8s %s\n", "ID", "NAME", "POLICY", "PATHS", "CONTROL", "LUNS")
		for _, d := range devices {
			fmt.Printf("%-4d %-28s %-22s %-6d 0x%02x     %s\n",
				d.ID, d.Names[0], d.Policy, d.Paths, d.ControlByte, joinInts(d.Luns))
		}
		return nil
	},
}

// Path commands
var pathsCmd = &cobra.Command{
	Use:     "paths",
	Aliases: []string{"path"},
	Short:   "Inspect and switch device paths",
}

var pathsListCmd = &cobra.Command{
	Use:   "list DEVICE",
	Short: "List the paths of a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := intArgs(args, "device")
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("max")

		c, ctx, cancel := newClient(cmd)
		defer cancel()

		paths, err := c.ListPaths(ctx, ids[0], limit)
		if err != nil {
			return err
		}
		fmt.Printf("%-4s %-5s %-24s %-7s %-5s %-12s %s\n", "ID", "HOST", "WWPN", "TARGET", "DEAD", "PREFERRED", "CURRENT")
		for _, p := range paths {
			fmt.Printf("%-4d %-5d %-24s %-7d %-5t %-12s %s\n",
				p.ID, p.HostID, p.WWPN, p.Target, p.Dead, joinInts(p.Preferred.Luns()), joinInts(p.Current))
		}
		return nil
	},
}

var pathsSetCurrentCmd = &cobra.Command{
	Use:   "set-current DEVICE LUN PATH",
	Short: "Move a LUN to a path",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := intArgs(args, "device", "lun", "path")
		if err != nil {
			return err
		}

		c, ctx, cancel := newClient(cmd)
		defer cancel()

		if err := c.SetCurrentPath(ctx, ids[0], ids[1], ids[2]); err != nil {
			return err
		}
		fmt.Printf("✓ LUN %d of device %d now uses path %d\n", ids[1], ids[0], ids[2])
		return nil
	},
}

func init() {
	pathsCmd.AddCommand(pathsListCmd)
	pathsCmd.AddCommand(pathsSetCurrentCmd)

	pathsListCmd.Flags().Int("max", 0, "Fail when the device has more paths than this (0 for no limit)")
}

// Host statistics commands
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show or reset host statistics",
}

var statsGetCmd = &cobra.Command{
	Use:   "get HOST",
	Short: "Show the counters of a host adapter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := intArgs(args, "host")
		if err != nil {
			return err
		}

		c, ctx, cancel := newClient(cmd)
		defer cancel()

		s, err := c.GetHostStats(ctx, ids[0])
		if err != nil {
			return err
		}
		fmt.Printf("Host %d\n", ids[0])
		fmt.Printf("  I/Os:       %s\n", humanize.Comma(int64(s.IOs)))
		fmt.Printf("  Bytes:      %s\n", humanize.IBytes(s.Bytes))
		fmt.Printf("  Retries:    %s\n", humanize.Comma(int64(s.Retries)))
		fmt.Printf("  Failovers:  %s\n", humanize.Comma(int64(s.Failovers)))
		fmt.Printf("  Failbacks:  %s\n", humanize.Comma(int64(s.Failbacks)))
		fmt.Printf("  Errors:     %s\n", humanize.Comma(int64(s.Errors)))
		return nil
	},
}

var statsResetCmd = &cobra.Command{
	Use:   "reset HOST",
	Short: "Zero the counters of a host adapter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := intArgs(args, "host")
		if err != nil {
			return err
		}

		c, ctx, cancel := newClient(cmd)
		defer cancel()

		if err := c.ResetHostStats(ctx, ids[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Statistics of host %d reset\n", ids[0])
		return nil
	},
}

func init() {
	statsCmd.AddCommand(statsGetCmd)
	statsCmd.AddCommand(statsResetCmd)
}

// LUN mask commands
var masksCmd = &cobra.Command{
	Use:   "masks",
	Short: "Show or change the LUN masks of a path",
}

var masksGetCmd = &cobra.Command{
	Use:   "get DEVICE PATH",
	Short: "Show the enabled, preferred and masked LUNs of a path",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := intArgs(args, "device", "path")
		if err != nil {
			return err
		}

		c, ctx, cancel := newClient(cmd)
		defer cancel()

		m, err := c.GetLunMasks(ctx, ids[0], ids[1])
		if err != nil {
			return err
		}
		fmt.Printf("Enabled:    %s\n", joinInts(m.Enabled.Luns()))
		fmt.Printf("Preferred:  %s\n", joinInts(m.Preferred.Luns()))
		fmt.Printf("Masked:     %s\n", joinInts(m.Masked.Luns()))
		return nil
	},
}

var masksSetCmd = &cobra.Command{
	Use:   "set DEVICE PATH --enabled LUNS [--preferred LUNS] [--masked LUNS]",
	Short: "Replace the LUN masks of a path",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := intArgs(args, "device", "path")
		if err != nil {
			return err
		}
		enabled, _ := cmd.Flags().GetString("enabled")
		preferred, _ := cmd.Flags().GetString("preferred")
		masked, _ := cmd.Flags().GetString("masked")

		var m admin.Masks
		if m.Enabled, err = parseLuns(enabled); err != nil {
			return err
		}
		if m.Preferred, err = parseLuns(preferred); err != nil {
			return err
		}
		if m.Masked, err = parseLuns(masked); err != nil {
			return err
		}

		c, ctx, cancel := newClient(cmd)
		defer cancel()

		if err := c.SetLunMasks(ctx, ids[0], ids[1], m); err != nil {
			return err
		}
		fmt.Printf("✓ Masks of path %d on device %d updated\n", ids[1], ids[0])
		return nil
	},
}

func init() {
	masksCmd.AddCommand(masksGetCmd)
	masksCmd.AddCommand(masksSetCmd)

	masksSetCmd.Flags().String("enabled", "", "Comma separated enabled LUNs")
	masksSetCmd.Flags().String("preferred", "", "Comma separated preferred LUNs")
	masksSetCmd.Flags().String("masked", "", "Comma separated LUNs kept off this path")
	_ = masksSetCmd.MarkFlagRequired("enabled")
}

// Control byte commands
var controlCmd = &cobra.Command{
	Use:   "control",
	Short: "Show or change the multipath-control byte of a device",
}

var controlGetCmd = &cobra.Command{
	Use:   "get DEVICE",
	Short: "Show the control byte",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := intArgs(args, "device")
		if err != nil {
			return err
		}

		c, ctx, cancel := newClient(cmd)
		defer cancel()

		v, err := c.GetControlByte(ctx, ids[0])
		if err != nil {
			return err
		}
		fmt.Printf("0x%02x\n", v)
		return nil
	},
}

var controlSetCmd = &cobra.Command{
	Use:   "set DEVICE VALUE",
	Short: "Set the control byte (decimal or 0x hex)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := intArgs(args[:1], "device")
		if err != nil {
			return err
		}
		v, err := strconv.ParseUint(args[1], 0, 8)
		if err != nil {
			return fmt.Errorf("invalid control byte %q", args[1])
		}

		c, ctx, cancel := newClient(cmd)
		defer cancel()

		if err := c.SetControlByte(ctx, ids[0], uint8(v)); err != nil {
			return err
		}
		fmt.Printf("✓ Control byte of device %d set to 0x%02x\n", ids[0], v)
		return nil
	},
}

func init() {
	controlCmd.AddCommand(controlGetCmd)
	controlCmd.AddCommand(controlSetCmd)
}
