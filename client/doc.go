// Package client connects a local bean repository to a remoting server.
//
// A Client mirrors the beans of its server session: changes made by the
// server arrive as commands and are applied to the local repository, local
// changes made inside Update are sent on the next exchange. Controllers are
// created and invoked through Controller handles. A background long poll
// keeps the client current with changes the server makes on its own.
package client
