// Package containers starts the Docker dependencies of the relance engine
// for integration tests: MySQL for the relance store, Mosquitto for the
// entity mutation feed and Redis for the distributed loop guard and job
// queue.
//
// Containers are shared per test package through TestMain:
//
//	var broker *containers.MosquittoContainer
//
//	func TestMain(m *testing.M) {
//	    var err error
//	    broker, err = containers.NewMosquittoContainer(context.Background(), nil)
//	    if err != nil {
//	        panic(err)
//	    }
//	    code := m.Run()
//	    _ = broker.Terminate(context.Background())
//	    os.Exit(code)
//	}
//
// Everything in this package requires the "integration" build tag:
//
//	go test -tags=integration ./...
package containers
