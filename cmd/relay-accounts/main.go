// The account manager CLI: enrols Google accounts into the relay's pool
// via OAuth, imports the local Antigravity desktop login, and lists,
// verifies or removes stored accounts.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/codelane/antigravity-relay/internal/account"
	"github.com/codelane/antigravity-relay/internal/auth"
	"github.com/codelane/antigravity-relay/internal/config"
	"github.com/codelane/antigravity-relay/internal/storage"
	"github.com/codelane/antigravity-relay/internal/utils"
)

var serverPort = config.DefaultPort

func main() {
	args := os.Args[1:]
	command := "add"
	noBrowser := false

	for _, arg := range args {
		if arg == "--no-browser" {
			noBrowser = true
		} else if !strings.HasPrefix(arg, "-") && command == "add" {
			command = arg
		}
	}

	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			serverPort = p
		}
	}

	printBanner()

	scanner := bufio.NewScanner(os.Stdin)

	switch command {
	case "add":
		ensureServerStopped()
		interactiveAdd(scanner, noBrowser)
	case "import":
		ensureServerStopped()
		importDesktopLogin()
	case "list":
		listAccounts()
	case "verify":
		verifyAccounts()
	case "remove":
		ensureServerStopped()
		interactiveRemove(scanner)
	case "clear":
		ensureServerStopped()
		clearAccounts(scanner)
	case "help":
		printHelp()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		fmt.Println("Run with \"help\" for usage information.")
	}
}

func printBanner() {
	fmt.Println("Antigravity Relay Account Manager")
	fmt.Printf("Accounts file: %s\n", config.AccountConfigPath)
}

func printHelp() {
	fmt.Println("\nUsage:")
	fmt.Println("  relay-accounts add     Add new account(s) via Google OAuth")
	fmt.Println("  relay-accounts import  Import the local Antigravity desktop login")
	fmt.Println("  relay-accounts list    List all accounts")
	fmt.Println("  relay-accounts verify  Verify account refresh tokens")
	fmt.Println("  relay-accounts remove  Remove an account")
	fmt.Println("  relay-accounts clear   Remove all accounts")
	fmt.Println("  relay-accounts help    Show this help")
	fmt.Println("\nOptions:")
	fmt.Println("  --no-browser    Manual authorization code input (for headless servers)")
}

func newManager() *account.Manager {
	cfg := config.GetConfig()
	if err := cfg.Load(); err != nil {
		utils.Warn("Failed to load config: %v", err)
	}
	store := storage.NewStore(config.AccountConfigPath)
	manager := account.NewManager(store, cfg)
	if err := manager.Initialize(""); err != nil {
		fmt.Println("Error loading accounts:", err)
		os.Exit(1)
	}
	return manager
}

// ensureServerStopped refuses to mutate the pool while the relay server
// holds it; the server only reads the accounts file at startup.
func ensureServerStopped() {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("localhost:%d", serverPort), time.Second)
	if err != nil {
		return
	}
	conn.Close()
	fmt.Printf("\nError: the relay server is running on port %d.\n\n", serverPort)
	fmt.Println("Stop the server (Ctrl+C) before managing accounts so your")
	fmt.Println("changes are picked up when it restarts.")
	os.Exit(1)
}

func openBrowser(url string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", "", strings.ReplaceAll(url, "&", "^&"))
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		fmt.Println("\nCould not open browser automatically.")
		fmt.Println("Open this URL manually:", url)
	}
}

func displayAccounts(accounts []*storage.Account) {
	if len(accounts) == 0 {
		fmt.Println("\nNo accounts configured.")
		return
	}

	fmt.Printf("\n%d account(s) saved:\n", len(accounts))
	for i, acc := range accounts {
		status := ""
		if acc.IsInvalid {
			status = " (invalid: " + acc.InvalidReason + ")"
		} else if !acc.Enabled {
			status = " (disabled)"
		}
		source := ""
		if acc.Source != "" && acc.Source != "oauth" {
			source = " [" + acc.Source + "]"
		}
		fmt.Printf("  %d. %s%s%s\n", i+1, acc.Email, source, status)
	}
}

func prompt(scanner *bufio.Scanner, message string) string {
	fmt.Print(message)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text())
	}
	return ""
}

func accountFromFlow(result *auth.FlowResult) *storage.Account {
	return &storage.Account{
		Email:            result.Email,
		Source:           "oauth",
		Enabled:          true,
		RefreshToken:     result.RefreshToken,
		ProjectID:        result.ProjectID,
		ManagedProjectID: result.ManagedProjectID,
		AddedAt:          utils.NowMs(),
	}
}

// addAccount runs the browser OAuth flow: local callback server, consent
// URL, code exchange and project discovery.
func addAccount() *storage.Account {
	fmt.Println("\n=== Add Google Account ===")

	flow, err := auth.NewFlow("")
	if err != nil {
		fmt.Println("Error generating auth URL:", err)
		return nil
	}

	callback := auth.NewCallbackServer(flow.State)
	if err := callback.Listen(); err != nil {
		fmt.Println("Error starting callback server:", err)
		fmt.Println("Use --no-browser for the manual flow.")
		return nil
	}

	// A fallback port changes the redirect URI, so the consent URL must
	// be rebuilt against the port actually bound.
	redirectURI := callback.RedirectURI()
	if redirectURI != config.OAuthRedirectURI() {
		callback.Abort()
		flow, err = auth.NewFlow(redirectURI)
		if err != nil {
			fmt.Println("Error generating auth URL:", err)
			return nil
		}
		callback = auth.NewCallbackServer(flow.State)
		if err := callback.Listen(); err != nil {
			fmt.Println("Error starting callback server:", err)
			return nil
		}
		redirectURI = callback.RedirectURI()
	}

	fmt.Println("Opening browser for Google sign-in...")
	fmt.Println("(If the browser does not open, copy this URL manually)")
	fmt.Printf("   %s\n\n", flow.URL)
	openBrowser(flow.URL)

	fmt.Println("Waiting for authentication (timeout: 2 minutes)...")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	code, err := callback.Wait(ctx)
	if err != nil {
		fmt.Printf("\nAuthentication failed: %v\n", err)
		return nil
	}

	fmt.Println("Received authorization code. Exchanging for tokens...")
	result, err := auth.CompleteFlow(ctx, code, flow.Verifier, redirectURI)
	if err != nil {
		fmt.Printf("\nAuthentication failed: %v\n", err)
		return nil
	}

	fmt.Printf("\nSuccessfully authenticated: %s\n", result.Email)
	if result.ProjectID == "" {
		fmt.Println("  Project will be discovered on first API request.")
	} else {
		fmt.Printf("  Project: %s (%s)\n", result.ProjectID, utils.CoalesceString(result.Tier, "unknown tier"))
	}
	return accountFromFlow(result)
}

// addAccountNoBrowser runs the manual flow for headless machines: the
// user opens the consent URL elsewhere and pastes the redirect back.
func addAccountNoBrowser(scanner *bufio.Scanner) *storage.Account {
	fmt.Println("\n=== Add Google Account (No-Browser Mode) ===")

	flow, err := auth.NewFlow("")
	if err != nil {
		fmt.Println("Error generating auth URL:", err)
		return nil
	}

	fmt.Println("Copy the following URL and open it in a browser on another device:")
	fmt.Printf("   %s\n\n", flow.URL)
	fmt.Println("After signing in you will be redirected to a localhost URL.")
	fmt.Println("Copy the ENTIRE redirect URL or just the authorization code.")

	input := prompt(scanner, "Paste the callback URL or authorization code: ")
	if input == "" {
		fmt.Println("\nNo input provided.")
		return nil
	}

	codeResult, err := auth.ExtractCodeFromInput(input)
	if err != nil {
		fmt.Printf("\n%v\n", err)
		return nil
	}
	if codeResult.State != "" && codeResult.State != flow.State {
		fmt.Println("\nWarning: state mismatch. Proceeding since this is the manual flow.")
	}

	fmt.Println("\nExchanging authorization code for tokens...")
	result, err := auth.CompleteFlow(context.Background(), codeResult.Code, flow.Verifier, "")
	if err != nil {
		fmt.Printf("\nAuthentication failed: %v\n", err)
		return nil
	}

	fmt.Printf("\nSuccessfully authenticated: %s\n", result.Email)
	return accountFromFlow(result)
}

func interactiveAdd(scanner *bufio.Scanner, noBrowser bool) {
	if noBrowser {
		fmt.Println("\nNo-browser mode: you will manually paste the authorization code.")
	}

	manager := newManager()
	accounts := manager.Accounts()

	if len(accounts) > 0 {
		displayAccounts(accounts)

		choice := strings.ToLower(prompt(scanner, "\n(a)dd new, (r)emove existing, (f)resh start, or (e)xit? [a/r/f/e]: "))
		switch choice {
		case "r":
			removeLoop(scanner, manager)
			return
		case "f":
			fmt.Println("\nStarting fresh - existing accounts will be replaced.")
			for _, acc := range accounts {
				if err := manager.RemoveAccount(acc.Email); err != nil {
					fmt.Println("Error clearing accounts:", err)
					return
				}
			}
		case "e":
			fmt.Println("\nExiting...")
			return
		case "a":
			fmt.Println("\nAdding to existing accounts.")
		default:
			fmt.Println("\nInvalid choice, defaulting to add.")
		}
	}

	if manager.Count() >= config.MaxAccounts {
		fmt.Printf("\nMaximum of %d accounts reached.\n", config.MaxAccounts)
		return
	}

	var newAccount *storage.Account
	if noBrowser {
		newAccount = addAccountNoBrowser(scanner)
	} else {
		newAccount = addAccount()
	}

	if newAccount != nil {
		if _, err := manager.GetAccountByEmail(newAccount.Email); err == nil {
			fmt.Printf("\nAccount %s already exists. Updating tokens.\n", newAccount.Email)
		}
		if err := manager.AddOrUpdateAccount(newAccount); err != nil {
			fmt.Println("Error saving account:", err)
		} else {
			fmt.Printf("\nSaved account %s\n", newAccount.Email)
		}
	}

	manager.Flush()
	if manager.Count() > 0 {
		displayAccounts(manager.Accounts())
		fmt.Println("\nTo add more accounts, run this command again.")
	} else {
		fmt.Println("\nNo accounts to save.")
	}
}

// importDesktopLogin copies the local Antigravity editor's login into the
// pool. The desktop credential is a short-lived API key, so the relay
// re-reads the database when it needs a token.
func importDesktopLogin() {
	fmt.Println("\n=== Import Antigravity Desktop Login ===")

	if !auth.DatabaseAccessible("") {
		fmt.Printf("\nAntigravity database not found at %s.\n", config.AntigravityDBPath)
		fmt.Println("Install Antigravity and sign in first, or use \"relay-accounts add\".")
		return
	}

	status, err := auth.ReadAuthStatus("")
	if err != nil {
		fmt.Println("\nError reading desktop login:", err)
		return
	}

	email := utils.CoalesceString(status.Email, "desktop-login")
	manager := newManager()
	acc := &storage.Account{
		Email:   email,
		Source:  "database",
		Enabled: true,
		APIKey:  status.APIKey,
		AddedAt: utils.NowMs(),
	}
	if err := manager.AddOrUpdateAccount(acc); err != nil {
		fmt.Println("Error saving account:", err)
		return
	}
	manager.Flush()
	fmt.Printf("\nImported desktop login: %s\n", email)
}

func removeLoop(scanner *bufio.Scanner, manager *account.Manager) {
	for {
		accounts := manager.Accounts()
		if len(accounts) == 0 {
			fmt.Println("\nNo accounts to remove.")
			return
		}

		displayAccounts(accounts)
		fmt.Println("\nEnter account number to remove (or 0 to cancel)")

		answer := prompt(scanner, "> ")
		index, err := strconv.Atoi(answer)
		if err != nil || index < 0 || index > len(accounts) {
			fmt.Println("\nInvalid selection.")
			continue
		}
		if index == 0 {
			return
		}

		removed := accounts[index-1]
		confirm := prompt(scanner, fmt.Sprintf("\nRemove %s? [y/N]: ", removed.Email))
		if strings.ToLower(confirm) == "y" {
			if err := manager.RemoveAccount(removed.Email); err != nil {
				fmt.Println("Error removing account:", err)
			} else {
				manager.Flush()
				fmt.Printf("\nRemoved %s\n", removed.Email)
			}
		} else {
			fmt.Println("\nCancelled.")
		}

		if strings.ToLower(prompt(scanner, "\nRemove another account? [y/N]: ")) != "y" {
			return
		}
	}
}

func interactiveRemove(scanner *bufio.Scanner) {
	removeLoop(scanner, newManager())
}

func listAccounts() {
	displayAccounts(newManager().Accounts())
}

func clearAccounts(scanner *bufio.Scanner) {
	manager := newManager()
	accounts := manager.Accounts()
	if len(accounts) == 0 {
		fmt.Println("No accounts to clear.")
		return
	}

	displayAccounts(accounts)
	confirm := prompt(scanner, "\nRemove all accounts? [y/N]: ")
	if strings.ToLower(confirm) != "y" {
		fmt.Println("Cancelled.")
		return
	}
	for _, acc := range accounts {
		if err := manager.RemoveAccount(acc.Email); err != nil {
			fmt.Println("Error removing account:", err)
			return
		}
	}
	manager.Flush()
	fmt.Println("All accounts removed.")
}

// verifyAccounts exercises each refresh token against Google without
// touching the relay's token cache.
func verifyAccounts() {
	manager := newManager()
	accounts := manager.Accounts()
	if len(accounts) == 0 {
		fmt.Println("No accounts to verify.")
		return
	}

	fmt.Println("\nVerifying accounts...")
	ctx := context.Background()
	for _, acc := range accounts {
		if acc.Source == "database" || acc.RefreshToken == "" {
			if auth.DatabaseAccessible("") {
				fmt.Printf("  OK   %s (desktop database)\n", acc.Email)
			} else {
				fmt.Printf("  FAIL %s - desktop database not accessible\n", acc.Email)
			}
			continue
		}

		tokens, err := auth.RefreshAccessToken(ctx, acc.RefreshToken)
		if err != nil {
			fmt.Printf("  FAIL %s - %v\n", acc.Email, err)
			continue
		}
		email, err := auth.FetchUserEmail(ctx, tokens.AccessToken)
		if err != nil {
			fmt.Printf("  FAIL %s - %v\n", acc.Email, err)
			continue
		}
		fmt.Printf("  OK   %s\n", email)
	}
}
