package runtime_test

import (
	"context"
	"errors"

	"github.com/danielfoehrkn/writable-layer-finder/pkg/runtime"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc"
	cri "k8s.io/cri-api/pkg/apis/runtime/v1"
)

type fakeRuntimeService struct {
	cri.RuntimeServiceClient

	containerRequest *cri.ListContainersRequest
	containers       []*cri.Container
	pods             []*cri.PodSandbox
	err              error
}

func (f *fakeRuntimeService) ListContainers(_ context.Context, in *cri.ListContainersRequest, _ ...grpc.CallOption) (*cri.ListContainersResponse, error) {
	f.containerRequest = in
	if f.err != nil {
		return nil, f.err
	}
	return &cri.ListContainersResponse{Containers: f.containers}, nil
}

func (f *fakeRuntimeService) ListPodSandbox(_ context.Context, _ *cri.ListPodSandboxRequest, _ ...grpc.CallOption) (*cri.ListPodSandboxResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &cri.ListPodSandboxResponse{Items: f.pods}, nil
}

var _ = Describe("CRIClient", func() {
	var (
		service *fakeRuntimeService
		sut     *runtime.CRIClient
		ctx     = context.Background()
	)

	BeforeEach(func() {
		service = &fakeRuntimeService{
			containers: []*cri.Container{
				{
					Id:       "c1",
					Metadata: &cri.ContainerMetadata{Name: "app"},
					Labels: map[string]string{
						"io.kubernetes.pod.name":      "app-7d9f",
						"io.kubernetes.pod.namespace": "shop",
					},
				},
				{Id: "c2"},
			},
			pods: []*cri.PodSandbox{
				{Id: "s1", Metadata: &cri.PodSandboxMetadata{Name: "app-7d9f", Uid: "uid-1", Namespace: "shop"}},
				{Id: "s2"},
			},
		}
		sut = runtime.NewCRIClientFromService(service)
	})

	It("should only request running containers", func() {
		ids, err := sut.RunningContainerIDs(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(ids.List()).To(Equal([]string{"c1", "c2"}))
		Expect(service.containerRequest.GetFilter().GetState().GetState()).To(Equal(cri.ContainerState_CONTAINER_RUNNING))
	})

	It("should map containers to their pods", func() {
		containers, err := sut.Containers(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(containers).To(HaveKeyWithValue("c1", runtime.ContainerInfo{Name: "app", Pod: "app-7d9f", Namespace: "shop"}))
		Expect(containers).To(HaveKeyWithValue("c2", runtime.ContainerInfo{}))
	})

	It("should key pods by UID and skip sandboxes without metadata", func() {
		pods, err := sut.Pods(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(pods).To(Equal(map[string]runtime.PodInfo{"uid-1": {Name: "app-7d9f", Namespace: "shop"}}))
	})

	It("should propagate runtime errors", func() {
		service.err = errors.New("unavailable")

		_, err := sut.Containers(ctx)
		Expect(err).To(HaveOccurred())
		_, err = sut.Pods(ctx)
		Expect(err).To(HaveOccurred())
	})
})
