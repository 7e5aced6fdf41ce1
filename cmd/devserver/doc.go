// Package main (cmd/devserver) serves the in-memory admin service from
// package httpserver for local testing of the launcher.
//
// Example usage:
//
//	devserver --listen-addr 127.0.0.1:8080 --admin-token secret --log-debug
//
// Select a boot image and provide a volume credential:
//
//	curl -X PUT -H 'X-Admin-Token: secret' -d '{"BootImageSelected":"GAME"}' http://127.0.0.1:8080/machines/kiosk-1/boot-image
//	curl -X PUT -H 'X-Admin-Token: secret' --data-binary @password.txt http://127.0.0.1:8080/machines/kiosk-1/secret
package main
