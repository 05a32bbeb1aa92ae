// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// An in-memory ssh server for testing the Runner. It uses password
// authentication and serves SFTP from the local filesystem, making it
// inappropriate for anything but tests.

package sshconn

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const testServerUser = "testuser"

// execHandler runs a command and returns its exit status.
type execHandler func(cmd string, stdin io.Reader, stdout, stderr io.Writer) int

type sshServer struct {
	addr         *net.TCPAddr
	clientConfig *ssh.ClientConfig
	serverConfig *ssh.ServerConfig
	onExec       execHandler

	// The number of connections accepted so far.
	conns int32

	stopping chan struct{}
	wg       sync.WaitGroup
}

// startSSHServer starts an ssh server on localhost, at any available port,
// and stops it when the test completes.
func startSSHServer(t *testing.T, onExec execHandler) *sshServer {
	t.Helper()
	serverConfig, clientConfig, err := genSSHConfig()
	if err != nil {
		t.Fatalf("failed to generate ssh config: %s", err)
	}
	s := &sshServer{
		clientConfig: clientConfig,
		serverConfig: serverConfig,
		onExec:       onExec,
		stopping:     make(chan struct{}),
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %s", err)
	}
	s.addr = listener.Addr().(*net.TCPAddr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			tcpConn, err := listener.Accept()
			if err != nil {
				return
			}
			atomic.AddInt32(&s.conns, 1)
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.serveConnection(tcpConn)
			}()
		}
	}()

	t.Cleanup(func() {
		close(s.stopping)
		listener.Close()
		s.wg.Wait()
	})
	return s
}

func (s *sshServer) connections() int {
	return int(atomic.LoadInt32(&s.conns))
}

func (s *sshServer) serveConnection(tcpConn net.Conn) {
	conn, incomingChannels, incomingRequests, err := ssh.NewServerConn(tcpConn, s.serverConfig)
	if err != nil {
		tcpConn.Close()
		return
	}
	// This might err out if the client is closed first, so don't bother
	// checking the return value.
	defer conn.Close()
	go ssh.DiscardRequests(incomingRequests)

	for {
		select {
		case <-s.stopping:
			return
		case newChannel, ok := <-incomingChannels:
			if !ok {
				return
			}
			s.onNewChannel(newChannel)
		}
	}
}

func (s *sshServer) onNewChannel(newChannel ssh.NewChannel) {
	if newChannel.ChannelType() != "session" {
		newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
		return
	}
	ch, reqs, err := newChannel.Accept()
	if err != nil {
		log.Panicf("error accepting channel: %v", err)
	}

	go func() {
		for req := range reqs {
			switch req.Type {
			case "exec":
				var execMsg struct{ Command string }
				if err := ssh.Unmarshal(req.Payload, &execMsg); err != nil {
					log.Panicf("failed to unmarshal payload: %v", err)
				}
				req.Reply(true, nil)
				go func() {
					defer ch.Close()
					status := s.onExec(execMsg.Command, ch, ch, ch.Stderr())
					exitMsg := struct{ ExitStatus uint32 }{ExitStatus: uint32(status)}
					ch.SendRequest("exit-status", false, ssh.Marshal(&exitMsg))
				}()
			case "subsystem":
				var subsystemMsg struct{ Name string }
				if err := ssh.Unmarshal(req.Payload, &subsystemMsg); err != nil || subsystemMsg.Name != "sftp" {
					req.Reply(false, nil)
					continue
				}
				req.Reply(true, nil)
				go func() {
					defer ch.Close()
					server, err := sftp.NewServer(ch)
					if err != nil {
						log.Panicf("failed to start sftp server: %v", err)
					}
					server.Serve()
				}()
			default:
				if req.WantReply {
					req.Reply(false, nil)
				}
			}
		}
	}()
}

func genSSHConfig() (*ssh.ServerConfig, *ssh.ClientConfig, error) {
	clientPassword, err := genPassword(40)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate password: %w", err)
	}
	serverConfig := &ssh.ServerConfig{
		PasswordCallback: func(metadata ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if metadata.User() != testServerUser || string(password) != clientPassword {
				return nil, errors.New("invalid user/password combination")
			}
			return nil, nil
		},
	}

	serverKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, fmt.Errorf("error generating keypair: %w", err)
	}
	signer, err := ssh.NewSignerFromKey(serverKey)
	if err != nil {
		return nil, nil, err
	}
	serverConfig.AddHostKey(signer)

	clientConfig := &ssh.ClientConfig{
		User:            testServerUser,
		Auth:            []ssh.AuthMethod{ssh.Password(clientPassword)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
	return serverConfig, clientConfig, nil
}

func genPassword(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", buf), nil
}
