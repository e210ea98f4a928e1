package cmd

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/xkilldash9x/portal-login/internal/config"
	"github.com/xkilldash9x/portal-login/internal/login"
	"github.com/xkilldash9x/portal-login/internal/secrets"
)

// resolveAccount offers the stored credentials first and otherwise prompts for
// a username and password, saving them unless save is false. A store that
// cannot be opened is never overwritten.
func resolveAccount(cfg config.CredentialsConfig, save bool, p prompter, logger *zap.Logger) (login.Account, error) {
	exists := fileExists(cfg.File)
	if !exists && !save {
		return promptAccount(p)
	}

	passphrase, err := readPassphrase(cfg.PassphraseEnv, p)
	if err != nil {
		return login.Account{}, err
	}
	store := secrets.NewStore(cfg.File, passphrase, logger)
	defer store.Close()
	clear(passphrase)

	if exists {
		var account login.Account
		err := store.Acquire(func(c secrets.Credentials) error {
			ok, err := p.Confirm(fmt.Sprintf("Use saved credentials for %s?", c.Username))
			if err != nil || !ok {
				return err
			}
			account = login.Account{Username: c.Username, Password: string(c.Password)}
			return nil
		})
		switch {
		case errors.Is(err, secrets.ErrWrongPassphrase), errors.Is(err, secrets.ErrCorrupt):
			logger.Warn("Stored credentials are unreadable, asking again. They will not be replaced; "+
				"run `credentials forget` to start over", zap.Error(err))
			save = false
		case err != nil:
			return login.Account{}, err
		case account.Username != "":
			return account, nil
		}
	}

	account, err := promptAccount(p)
	if err != nil {
		return login.Account{}, err
	}
	if save {
		creds := secrets.Credentials{Username: account.Username, Password: []byte(account.Password)}
		if err := store.Save(creds); err != nil {
			logger.Warn("Could not save credentials", zap.Error(err))
		}
		creds.Wipe()
	}
	return account, nil
}

func promptAccount(p prompter) (login.Account, error) {
	username, err := p.Line("Username: ")
	if err != nil {
		return login.Account{}, err
	}
	if username == "" {
		return login.Account{}, errors.New("username is required")
	}
	password, err := p.Secret("Password: ")
	if err != nil {
		return login.Account{}, err
	}
	defer clear(password)
	return login.Account{Username: username, Password: string(password)}, nil
}

// readPassphrase takes the store passphrase from envName, or prompts for it.
func readPassphrase(envName string, p prompter) ([]byte, error) {
	if envName != "" {
		if v := os.Getenv(envName); v != "" {
			return []byte(v), nil
		}
	}
	pass, err := p.Secret("Credential store passphrase: ")
	if err != nil {
		return nil, err
	}
	if len(pass) == 0 {
		return nil, errors.New("a passphrase is required to use the credential store")
	}
	return pass, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
