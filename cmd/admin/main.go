package main

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/ruteri/vhd-provisioner/api"
	"github.com/ruteri/vhd-provisioner/cryptoutils"
	"github.com/ruteri/vhd-provisioner/httpserver"
	"github.com/ruteri/vhd-provisioner/interfaces"
	"github.com/ruteri/vhd-provisioner/manifest"
	"github.com/urfave/cli/v2"
)

var flagServer *cli.StringFlag = &cli.StringFlag{
	Name:  "server-addr",
	Value: "http://127.0.0.1:8080",
	Usage: "Admin service address",
}
var flagAdminToken *cli.StringFlag = &cli.StringFlag{
	Name:    "admin-token",
	EnvVars: []string{"DEVSERVER_ADMIN_TOKEN"},
	Usage:   "Token for admin routes",
}
var flagMachine *cli.StringFlag = &cli.StringFlag{
	Name:     "machine",
	Required: true,
	Usage:    "Machine identity",
}
var flagPrivkey *cli.StringFlag = &cli.StringFlag{
	Name:  "signing-key-file",
	Value: "signing-key.pem",
	Usage: "Path to the manifest signing private key",
}
var flagTrustBundle *cli.StringFlag = &cli.StringFlag{
	Name:  "trust-bundle-file",
	Value: "trust.pem",
	Usage: "Path to the trust bundle to write",
}

var serviceFlags = []cli.Flag{flagServer, flagAdminToken, flagMachine}

func main() {
	app := &cli.App{
		Name:  "admin client",
		Usage: "Drive the dev admin service and sign update packages",
		Commands: []*cli.Command{
			&cli.Command{
				Name:  "show",
				Usage: "Print the machine state",
				Flags: serviceFlags,
				Action: func(cCtx *cli.Context) error {
					body, err := call(cCtx, http.MethodGet, "/machines/{id}", nil)
					if err != nil {
						return err
					}
					fmt.Println(string(body))
					return nil
				},
			},
			&cli.Command{
				Name:  "protect",
				Usage: "Set or clear the protect flag",
				Flags: append([]cli.Flag{
					&cli.BoolFlag{Name: "off", Usage: "clear the flag"},
				}, serviceFlags...),
				Action: func(cCtx *cli.Context) error {
					protected := !cCtx.Bool("off")
					_, err := callJSON(cCtx, http.MethodPut, httpserver.ProtectAdminPath, api.ProtectResponse{Protected: &protected})
					return err
				},
			},
			&cli.Command{
				Name:  "boot-image",
				Usage: "Select the boot image keyword, empty clears the selection",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: "keyword"},
				}, serviceFlags...),
				Action: func(cCtx *cli.Context) error {
					req := api.BootImageResponse{}
					if keyword := cCtx.String("keyword"); keyword != "" {
						req.BootImageSelected = &keyword
					}
					_, err := callJSON(cCtx, http.MethodPut, httpserver.BootImageAdminPath, req)
					return err
				},
			},
			&cli.Command{
				Name:  "secret",
				Usage: "Set the volume credential from a file",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: "file", Required: true},
				}, serviceFlags...),
				Action: func(cCtx *cli.Context) error {
					secret, err := os.ReadFile(cCtx.String("file"))
					if err != nil {
						return err
					}
					_, err = call(cCtx, http.MethodPut, httpserver.SecretAdminPath, bytes.TrimSpace(secret))
					return err
				},
			},
			&cli.Command{
				Name:  "approve",
				Usage: "Approve a registered machine key",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: "key-id", Required: true},
				}, serviceFlags...),
				Action: func(cCtx *cli.Context) error {
					path := strings.Replace(httpserver.ApproveKeyPath, "{keyId}", url.PathEscape(cCtx.String("key-id")), 1)
					_, err := call(cCtx, http.MethodPost, path, nil)
					return err
				},
			},
			&cli.Command{
				Name:  "generate-signer",
				Usage: "Generate a manifest signing key and its trust bundle",
				Flags: []cli.Flag{flagPrivkey, flagTrustBundle},
				Action: func(cCtx *cli.Context) error {
					key, err := rsa.GenerateKey(rand.Reader, 3072)
					if err != nil {
						return fmt.Errorf("failed to generate RSA key: %w", err)
					}
					privPEM, err := cryptoutils.MarshalPrivateKeyPEM(key)
					if err != nil {
						return err
					}
					pubPEM, err := cryptoutils.MarshalPublicKeyPEM(&key.PublicKey)
					if err != nil {
						return err
					}
					if err := os.WriteFile(cCtx.String(flagPrivkey.Name), privPEM, 0600); err != nil {
						return err
					}
					return os.WriteFile(cCtx.String(flagTrustBundle.Name), pubPEM, 0644)
				},
			},
			&cli.Command{
				Name:  "sign-package",
				Usage: "Hash a package directory and write its signed manifest",
				Flags: []cli.Flag{
					flagPrivkey,
					&cli.StringFlag{Name: "dir", Required: true},
					&cli.StringFlag{Name: "type", Value: string(interfaces.VHDData), Usage: "vhd-data or app-update"},
					&cli.StringFlag{Name: "version", Required: true},
					&cli.StringFlag{Name: "min-version", Usage: "defaults to --version"},
					&cli.StringFlag{Name: "signer", Value: "release"},
					&cli.DurationFlag{Name: "expires-in", Value: 7 * 24 * time.Hour},
				},
				Action: func(cCtx *cli.Context) error {
					privPEM, err := os.ReadFile(cCtx.String(flagPrivkey.Name))
					if err != nil {
						return err
					}
					key, err := cryptoutils.ParsePrivateKeyPEM(privPEM)
					if err != nil {
						return err
					}

					minVersion := cCtx.String("min-version")
					if minVersion == "" {
						minVersion = cCtx.String("version")
					}
					dir := cCtx.String("dir")
					m, err := manifest.Build(dir, manifest.BuildOptions{
						Type:       interfaces.ManifestType(cCtx.String("type")),
						Version:    cCtx.String("version"),
						MinVersion: minVersion,
						Signer:     cCtx.String("signer"),
						ExpiresIn:  cCtx.Duration("expires-in"),
					})
					if err != nil {
						return err
					}
					if err := manifest.Write(dir, m, key); err != nil {
						return err
					}
					fmt.Printf("Signed %d files, version %s, expires %s\n", len(m.Files), m.Version, m.ExpiresAt)
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func callJSON(cCtx *cli.Context, method, path string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return call(cCtx, method, path, body)
}

func call(cCtx *cli.Context, method, path string, body []byte) ([]byte, error) {
	path = strings.Replace(path, "{id}", url.PathEscape(cCtx.String(flagMachine.Name)), 1)
	u := strings.TrimSuffix(cCtx.String(flagServer.Name), "/") + path

	req, err := retryablehttp.NewRequestWithContext(cCtx.Context, method, u, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set(httpserver.AdminTokenHeader, cCtx.String(flagAdminToken.Name))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := retryablehttp.NewClient()
	client.Logger = nil
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s %s failed with code %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return respBody, nil
}
