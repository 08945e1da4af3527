package tui

import (
	"math/big"
	"os/exec"
	"runtime"

	"veilix/pkg/utils"
)

func (m model) displayWei(wei *big.Int) string {
	if m.privacyMode {
		return "****"
	}
	return utils.FormatWei(wei, 18, 4) + " ETH"
}

func (m model) maskString(s string) string {
	if m.privacyMode {
		return "****"
	}
	return s
}

func (m model) maskAddress(addr string) string {
	if m.privacyMode {
		return "0x**...**"
	}
	return addr
}

// openBrowser opens the specified URL in the default browser.
func openBrowser(url string) error {
	var cmd string
	var args []string

	switch runtime.GOOS {
	case "windows":
		cmd = "cmd"
		args = []string{"/c", "start"}
	case "darwin":
		cmd = "open"
	default: // "linux", "freebsd", "openbsd", "netbsd"
		cmd = "xdg-open"
	}
	args = append(args, url)
	return exec.Command(cmd, args...).Start()
}
