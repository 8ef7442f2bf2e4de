package main

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"server-scaffold/transport"
	"server-scaffold/transport/pipe"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
)

type EchoTestSuite struct {
	suite.Suite

	handler *echoHandler
	clock   *clock.Mock
}

func TestEchoTestSuite(t *testing.T) {
	suite.Run(t, new(EchoTestSuite))
}

func (s *EchoTestSuite) SetupTest() {
	s.clock = clock.NewMock()
	s.handler = &echoHandler{
		idleTimeout: time.Minute,
		clock:       s.clock,
		logger:      slog.New(slog.DiscardHandler),
	}
}

func (s *EchoTestSuite) TearDownTest() {
	goleak.VerifyNone(s.T())
}

func (s *EchoTestSuite) handle() (client transport.Conn, done <-chan error) {
	c1, c2 := pipe.NewPair("client", "server", s.clock)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.handler.Handle(context.Background(), c2)
		c2.Close()
	}()

	return c1, errCh
}

func (s *EchoTestSuite) TestEcho() {
	client, done := s.handle()

	for _, msg := range []string{"hello", "world"} {
		_, err := client.Write([]byte(msg))
		s.Require().NoError(err)

		b := make([]byte, 16)
		n, err := client.Read(b)
		s.Require().NoError(err)
		s.Equal(msg, string(b[:n]))
	}

	s.Require().NoError(client.Close())
	s.NoError(<-done)
}

func (s *EchoTestSuite) TestIdleTimeout() {
	client, done := s.handle()
	defer client.Close()

	// Let the handler arm its deadline.
	time.Sleep(50 * time.Millisecond)
	s.clock.Add(time.Minute)

	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(2 * time.Second):
		s.Fail("handler didn't give up on an idle connection")
	}
}
